// Package processrunner executes shell commands and external IaC binaries
// on the engine's host: bounded-output capture, graceful SIGTERM->SIGKILL
// termination, and fan-out streaming of stdout/stderr via streamhub.
package processrunner

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
	"github.com/skyforge-cloud/deployctl/internal/shared/security"
	"github.com/skyforge-cloud/deployctl/internal/streamhub"
)

const (
	defaultMaxOutputBytes = 8 << 20 // default per-stream cap, truncated beyond this
	defaultTimeout        = 15 * time.Minute
	killGrace             = 10 * time.Second
	truncationMarker      = "\n...[truncated]"
)

// Runner executes one command line in workdir with the given environment
// appended to the parent process's environment. Satisfies
// workingtree.Runner and commandqueue.Runner.
type Runner struct {
	hub            *streamhub.Hub
	logger         *zap.Logger
	maxOutputBytes int
}

// New creates a Runner that publishes streaming output to hub. hub may be
// nil, in which case streaming publication is a no-op. maxOutputBytes caps
// captured stdout/stderr per stream; 0 or negative uses
// defaultMaxOutputBytes (8 MiB).
func New(hub *streamhub.Hub, logger *zap.Logger, maxOutputBytes int) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	return &Runner{hub: hub, logger: logger, maxOutputBytes: maxOutputBytes}
}

// Run executes cmd via "sh -c" in workdir, waiting for it to complete and
// capturing stdout/stderr up to r.maxOutputBytes each. On context deadline
// or explicit cancellation the child is sent SIGTERM, then SIGKILL if it
// has not exited within killGrace.
func (r *Runner) Run(ctx context.Context, cmd, workdir string, env []string) (exitCode int, stdout, stderr string, err error) {
	if cmd == "" {
		return -1, "", "", engineerr.New(engineerr.InvalidInput, "command is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	c := exec.CommandContext(runCtx, "sh", "-c", cmd)
	c.Dir = workdir
	c.Env = append(c.Environ(), env...)
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = killGrace

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &boundedWriter{buf: &outBuf, limit: r.maxOutputBytes}
	c.Stderr = &boundedWriter{buf: &errBuf, limit: r.maxOutputBytes}

	runErr := c.Run()
	exitCode = exitCodeOf(runErr)

	if runErr != nil && exitCode == -1 {
		r.logger.Warn("process runner: command failed to start or was killed",
			zap.String("cmd", cmd), zap.Error(runErr))
		return exitCode, security.Sanitize(outBuf.String()), security.Sanitize(errBuf.String()), engineerr.Wrap(engineerr.SubprocessFailed, "command did not complete", runErr)
	}

	return exitCode, security.Sanitize(outBuf.String()), security.Sanitize(errBuf.String()), nil
}

// StreamRequest parameterizes RunStreaming.
type StreamRequest struct {
	Command       string
	Workdir       string
	Env           []string
	OperationKind string
	CorrelationID string
}

// RunStreaming executes cmd, publishing each line of stdout/stderr to the
// stream hub under {OperationKind, CorrelationID} as it is produced, and
// publishing a terminal "end" event with the exit code when the process
// completes. The full captured (bounded) output is also returned so callers
// that need a final transcript (e.g. for an audit entry) don't have to
// replay the stream.
func (r *Runner) RunStreaming(ctx context.Context, req StreamRequest) (exitCode int, stdout, stderr string, err error) {
	if req.Command == "" {
		return -1, "", "", engineerr.New(engineerr.InvalidInput, "command is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	c := exec.CommandContext(runCtx, "sh", "-c", req.Command)
	c.Dir = req.Workdir
	c.Env = append(c.Environ(), req.Env...)
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = killGrace

	stdoutPipe, pipeErr := c.StdoutPipe()
	if pipeErr != nil {
		return -1, "", "", engineerr.Wrap(engineerr.Internal, "create stdout pipe", pipeErr)
	}
	stderrPipe, pipeErr := c.StderrPipe()
	if pipeErr != nil {
		return -1, "", "", engineerr.Wrap(engineerr.Internal, "create stderr pipe", pipeErr)
	}

	key := streamhub.Key{OperationKind: req.OperationKind, CorrelationID: req.CorrelationID}

	var outBuf, errBuf bytes.Buffer
	var outMu, errMu sync.Mutex

	if startErr := c.Start(); startErr != nil {
		return -1, "", "", engineerr.Wrap(engineerr.SubprocessFailed, "start command", startErr)
	}

	var seq atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)

	go r.pumpLines(stdoutPipe, streamhub.EventStdout, key, &seq, &outBuf, &outMu, &wg)
	go r.pumpLines(stderrPipe, streamhub.EventStderr, key, &seq, &errBuf, &errMu, &wg)

	wg.Wait()
	waitErr := c.Wait()
	exitCode = exitCodeOf(waitErr)

	if r.hub != nil {
		r.hub.PublishEnd(key, exitCode, "")
	}

	outMu.Lock()
	stdout = security.Sanitize(outBuf.String())
	outMu.Unlock()
	errMu.Lock()
	stderr = security.Sanitize(errBuf.String())
	errMu.Unlock()

	if waitErr != nil && exitCode == -1 {
		return exitCode, stdout, stderr, engineerr.Wrap(engineerr.SubprocessFailed, "command did not complete", waitErr)
	}
	return exitCode, stdout, stderr, nil
}

func (r *Runner) pumpLines(pipe io.Reader, evtType streamhub.EventType, key streamhub.Key, seq *atomic.Int64, buf *bytes.Buffer, mu *sync.Mutex, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), r.maxOutputBytes)
	for scanner.Scan() {
		line := security.Sanitize(scanner.Text())

		mu.Lock()
		if buf.Len() < r.maxOutputBytes {
			buf.WriteString(line)
			buf.WriteByte('\n')
			if buf.Len() >= r.maxOutputBytes {
				buf.WriteString(truncationMarker)
			}
		}
		mu.Unlock()

		if r.hub != nil {
			r.hub.Publish(streamhub.Event{
				Type:          evtType,
				OperationKind: key.OperationKind,
				CorrelationID: key.CorrelationID,
				Data:          line,
				Progress:      nil,
				Detail:        map[string]int64{"seq": seq.Add(1)},
			})
		}
	}
}

// boundedWriter caps the total bytes accepted into buf; the first write
// that would exceed limit is truncated and followed by truncationMarker,
// and every write after that is dropped.
type boundedWriter struct {
	buf       *bytes.Buffer
	limit     int
	truncated bool
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if w.truncated {
		return len(p), nil
	}
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		w.truncated = true
		w.buf.WriteString(truncationMarker)
		return len(p), nil
	}
	if remaining < len(p) {
		w.buf.Write(p[:remaining])
		w.truncated = true
		w.buf.WriteString(truncationMarker)
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
