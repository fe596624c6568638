package containerrt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// Line is one line-delimited chunk of output from an Exec call, tagged with
// the stream it came from.
type Line struct {
	Channel string // "stdout" or "stderr"
	Text    string
}

// ExecOptions describes one command to run inside an already-Provisioned
// container.
type ExecOptions struct {
	Cmd     []string
	Workdir string // container-absolute path; see Handle.TranslateWorkdir
	Env     []string
	Lines   func(Line)
}

// Exec runs cmd inside h via the Docker exec API (the container itself
// keeps running the no-op process Provision started), streaming output
// line-delimited to opts.Lines as it arrives and returning the exit code
// once the command completes.
//
// If ctx is cancelled or its deadline expires before the command finishes,
// Exec kills and removes the entire container — since every Provisioned
// container belongs to exactly one build, destroying it is equivalent to
// killing the whole exec sub-process tree, satisfying the §4.1 cancellation
// contract without needing process-group bookkeeping inside the container.
func (r *Runtime) Exec(ctx context.Context, h *Handle, opts ExecOptions) (exitCode int, err error) {
	execCreate, err := r.sdk.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.Workdir,
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, fmt.Errorf("containerrt: exec create in %q: %w", h.Name, err)
	}

	attach, err := r.sdk.ContainerExecAttach(ctx, execCreate.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, fmt.Errorf("containerrt: exec attach in %q: %w", h.Name, err)
	}
	defer attach.Close()

	stdout := &lineWriter{channel: "stdout", emit: opts.Lines}
	stderr := &lineWriter{channel: "stderr", emit: opts.Lines}

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		stdout.flush()
		stderr.flush()
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		r.logger.Warn("exec deadline reached, killing container", "container_name", h.Name)
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second) // detached from ctx
		defer cancel()
		_ = r.Stop(killCtx, h)
		_ = r.Remove(killCtx, h)
		return 0, fmt.Errorf("containerrt: exec in %q: %w", h.Name, ctx.Err())
	case copyErr := <-copyDone:
		if copyErr != nil && copyErr != io.EOF {
			return 0, fmt.Errorf("containerrt: stream exec output in %q: %w", h.Name, copyErr)
		}
	}

	inspect, err := r.sdk.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return 0, fmt.Errorf("containerrt: exec inspect in %q: %w", h.Name, err)
	}
	return inspect.ExitCode, nil
}

// lineWriter splits a raw byte stream into complete lines, calling emit for
// each. any trailing partial line is delivered by flush, so at most one
// line is lost only if the process is killed mid-write before flush runs —
// matching the §4.1 "at-most-one line lost per abnormal termination" bound.
type lineWriter struct {
	channel string
	emit    func(Line)
	buf     bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// no newline found yet; put the partial back and wait for more.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(Line{Channel: w.channel, Text: trimNewline(line)})
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.buf.Len() == 0 {
		return
	}
	w.emit(Line{Channel: w.channel, Text: w.buf.String()})
	w.buf.Reset()
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}
