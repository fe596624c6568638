// Package logpipe is the Log Pipeline (C4): it assigns dense per-build
// sequence numbers, persists every entry before it is fanned out live, and
// caps how many entries keep flowing to the live stream once a build gets
// unreasonably chatty — while never dropping anything from the durable
// store.
package logpipe

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/corvus-ci/enginectl/internal/hub"
	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/corvus-ci/enginectl/internal/store"
)

// DefaultHighWaterMark is the per-build live-stream cap from §4.4 rule 3.
const DefaultHighWaterMark = 10_000

const capWarningMessage = "log buffering capped; older lines dropped from live stream only"

// Pipeline is the shared dependency a Build Executor asks to Open a log for
// each build it runs.
type Pipeline struct {
	store         *store.Store
	hub           *hub.Hub
	logger        *slog.Logger
	highWaterMark int
}

// New constructs a Pipeline. highWaterMark <= 0 selects DefaultHighWaterMark.
func New(st *store.Store, h *hub.Hub, logger *slog.Logger, highWaterMark int) *Pipeline {
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	return &Pipeline{store: st, hub: h, logger: logger, highWaterMark: highWaterMark}
}

// Replay satisfies hub.ReplayFunc, letting the Hub fetch persisted entries
// directly from the store while holding its topic lock.
func (p *Pipeline) Replay(buildID string, afterSeq int64) ([]models.LogEntry, error) {
	return p.store.ListLogEntriesSince(buildID, afterSeq)
}

// BuildLog is a per-build handle that owns sequencing and step-boundary
// bookkeeping; the Executor obtains exactly one per build and uses it for
// the build's entire lifetime.
type BuildLog struct {
	pipeline *Pipeline
	buildID  string

	seq         int64
	liveCount   int
	capped      bool
	currentStep *string
}

// Open seeds a BuildLog's sequence counter from the store (so a crash and
// resume never reissues a sequence number already persisted) and returns a
// handle scoped to buildID.
func (p *Pipeline) Open(buildID string) (*BuildLog, error) {
	maxSeq, err := p.store.MaxSequence(buildID)
	if err != nil {
		return nil, fmt.Errorf("logpipe: open %s: %w", buildID, err)
	}
	return &BuildLog{pipeline: p, buildID: buildID, seq: maxSeq}, nil
}

func (l *BuildLog) append(kind models.LogEntryKind, message string) error {
	l.seq++
	entry := models.LogEntry{
		BuildID:   l.buildID,
		Sequence:  l.seq,
		Kind:      kind,
		StepName:  l.currentStep,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}

	// durability before fan-out (§4.4 rule 2): the store write always
	// happens, and always happens first.
	if err := l.pipeline.store.AppendLogEntry(entry); err != nil {
		return fmt.Errorf("logpipe: append %s#%d: %w", l.buildID, l.seq, err)
	}

	if l.capped {
		return nil
	}

	if l.liveCount >= l.pipeline.highWaterMark {
		l.capped = true
		return l.appendCapWarning()
	}

	l.pipeline.hub.Publish(l.buildID, entry)
	l.liveCount++
	return nil
}

func (l *BuildLog) appendCapWarning() error {
	l.seq++
	warning := models.LogEntry{
		BuildID:   l.buildID,
		Sequence:  l.seq,
		Kind:      models.LogWarning,
		Message:   capWarningMessage,
		Timestamp: time.Now().UTC(),
	}
	if err := l.pipeline.store.AppendLogEntry(warning); err != nil {
		return fmt.Errorf("logpipe: append cap warning %s#%d: %w", l.buildID, l.seq, err)
	}
	l.pipeline.hub.Publish(l.buildID, warning)
	return nil
}

// StartStep opens a step boundary; subsequent Output/Info/Warning/Error
// calls are attributed to name via step_name until CompleteStep or FailStep
// closes it (§4.4 rule 4).
func (l *BuildLog) StartStep(name string) error {
	l.currentStep = &name
	return l.append(models.LogStepStarted, fmt.Sprintf("starting %s", name))
}

// CompleteStep closes the current step boundary as successful.
func (l *BuildLog) CompleteStep(name string) error {
	err := l.append(models.LogStepCompleted, fmt.Sprintf("completed %s", name))
	l.currentStep = nil
	return err
}

// FailStep closes the current step boundary as failed.
func (l *BuildLog) FailStep(name string) error {
	err := l.append(models.LogStepFailed, fmt.Sprintf("failed %s", name))
	l.currentStep = nil
	return err
}

// Output records one line of raw container stdout/stderr, attributed to the
// currently open step if any.
func (l *BuildLog) Output(message string) error {
	return l.append(models.LogOutput, message)
}

// Info, Warning, and Error record pipeline-emitted narration distinct from
// raw container output.
func (l *BuildLog) Info(message string) error    { return l.append(models.LogInfo, message) }
func (l *BuildLog) Warning(message string) error { return l.append(models.LogWarning, message) }
func (l *BuildLog) Error(message string) error   { return l.append(models.LogError, message) }

// Close tears down the Hub topic for this build, disconnecting any
// remaining live subscribers. call once the build reaches a terminal state.
func (l *BuildLog) Close() {
	l.pipeline.hub.Close(l.buildID)
}
