// Package errs formalises the error taxonomy a Build can terminate with.
// each ErrorKind maps 1:1 to a §7 classification; the Executor records exactly
// one on the Build the moment it becomes terminal, and never overwrites it.
package errs

import "fmt"

// ErrorKind classifies why a Build (or a synchronous request) failed.
// the zero value KindNone is never attached to a terminal Build.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindValidation     ErrorKind = "ValidationError"
	KindMissingSecret  ErrorKind = "MissingSecret"
	KindInfrastructure ErrorKind = "InfrastructureError"
	KindBuild          ErrorKind = "BuildError"
	KindTimeout        ErrorKind = "TimeoutError"
	KindCancelled      ErrorKind = "CancelledError"
	KindAbandoned      ErrorKind = "Abandoned"
)

// Retryable reports whether the §7 taxonomy allows an automatic retry for this
// kind without an explicit user action. BuildError and Validation/MissingSecret
// require the user to act; Abandoned gets exactly one automatic retry (enforced
// by the Coordinator, not by this package); Infrastructure may be retried once
// if configured.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindInfrastructure, KindTimeout, KindAbandoned:
		return true
	default:
		return false
	}
}

// ClassifiedError pairs a Go error with the §7 kind it was classified as.
// the Executor wraps the first terminal error it observes in one of these and
// records Kind+Message on the Build; everything raised during teardown after
// that point is logged at Warning and does not reclassify the build.
type ClassifiedError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err under the given kind with a human-readable message.
// a nil err still produces a ClassifiedError carrying only the message, which
// is useful for kinds like MissingSecret that are not themselves wrapping a
// lower-level Go error.
func Classify(kind ErrorKind, message string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Message: message, Err: err}
}

// MissingSecret builds the MissingSecret(name) error required by §4.5 step 2.
func MissingSecret(name string) *ClassifiedError {
	return Classify(KindMissingSecret, fmt.Sprintf("MissingSecret(%s)", name), nil)
}
