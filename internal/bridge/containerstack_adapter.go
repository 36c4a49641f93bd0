package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/rivet-ci/rivet/internal/containerstack"
)

// StackProcessDriver adapts a *containerstack.Stack to ProcessDriver,
// implementing process.run's "delegates to C3's exec on the current
// container" rule. Stdout and stderr are kept as separate streams
// throughout: each is forwarded to the log sink at its own level (unless
// its capture flag is set, in which case it's buffered and returned
// instead), and cwd/stdin are passed straight through to the engine.
type StackProcessDriver struct {
	Stack *containerstack.Stack
	Sink  LogSink
}

func (d *StackProcessDriver) Run(ctx context.Context, cfg ProcessConfig) (ProcessResult, error) {
	cmd := append([]string{cfg.Cmd}, cfg.Args...)
	cwd := cfg.Cwd
	if cwd == "" {
		cwd = containerstack.WorkspaceMountPath
	}

	stdout := &lineForwardingWriter{}
	if !cfg.CaptureStdout {
		stdout.sink = d.Sink
		stdout.level = cfg.StdoutLevel
	}
	stderr := &lineForwardingWriter{}
	if !cfg.CaptureStderr {
		stderr.sink = d.Sink
		stderr.level = cfg.StderrLevel
	}

	execErr := d.Stack.Exec(ctx, cmd, containerstack.ExecOptions{
		Cwd:    cwd,
		Stdin:  cfg.Stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
	stdout.flush()
	stderr.flush()

	result := ProcessResult{}
	if cfg.CaptureStdout {
		result.Stdout = stdout.buf.String()
	}
	if cfg.CaptureStderr {
		result.Stderr = stderr.buf.String()
	}
	if execErr != nil {
		result.ExitCode = 1
		return result, execErr
	}
	return result, nil
}

// StackContainerDriver adapts a *containerstack.Stack to ContainerDriver.
type StackContainerDriver struct {
	Stack *containerstack.Stack
}

func (d *StackContainerDriver) With(ctx context.Context, image string, fn func() error) error {
	return d.Stack.With(ctx, image, fn)
}

// lineForwardingWriter buffers every byte written (for capture mode) and,
// when sink is set, forwards complete lines to it as they arrive, matching
// §4.2's "forwarded line by line to the job's log buffer" stream
// discipline for uncaptured output.
type lineForwardingWriter struct {
	sink    LogSink
	level   LogLevel
	buf     strings.Builder
	pending strings.Builder
}

func (w *lineForwardingWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.sink == nil {
		return len(p), nil
	}
	w.pending.Write(p)
	for {
		s := w.pending.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		w.sink.Log(w.level, s[:idx], time.Now())
		w.pending.Reset()
		w.pending.WriteString(s[idx+1:])
	}
	return len(p), nil
}

func (w *lineForwardingWriter) flush() {
	if w.sink != nil && w.pending.Len() > 0 {
		w.sink.Log(w.level, w.pending.String(), time.Now())
		w.pending.Reset()
	}
}
