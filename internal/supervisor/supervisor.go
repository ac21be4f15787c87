package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// MaxStderrBytes caps the amount of stderr kept from a child.
	MaxStderrBytes = 64 * 1024

	// DefaultMaxStdout caps the amount of stdout kept from a child.
	DefaultMaxStdout = 32 * 1024 * 1024

	// DefaultGrace is the time allowed between SIGTERM and SIGKILL.
	DefaultGrace = 5 * time.Second
)

// ErrTimeout is returned by Run when the child outlived its deadline and was
// terminated.
var ErrTimeout = errors.New("child process timed out")

// Spec describes the process to start.
type Spec struct {
	Command   string
	Args      []string
	Env       []string // appended to the parent environment
	Dir       string
	Stdin     []byte
	MaxStdout int
	// Stdout, when set, receives stdout instead of the capture buffer.
	Stdout *os.File
}

// Exit describes how a child terminated.
type Exit struct {
	Err        error
	ExitCode   int
	Stdout     []byte
	Stderr     string
	Terminated bool // stopped by Terminate
}

// Success reports a clean zero exit.
func (e Exit) Success() bool { return e.Err == nil && e.ExitCode == 0 && !e.Terminated }

// Supervisor starts children. The zero value is usable.
type Supervisor struct {
	Logger *slog.Logger
}

// Child is a started process.
type Child struct {
	Handle Handle

	cmd      *exec.Cmd
	logger   *slog.Logger
	stdout   *cappedBuffer
	stderr   *cappedBuffer
	done     chan struct{}
	exit     Exit
	stopping chan struct{}
	stopOnce sync.Once
}

// Start launches spec. The child is not bound to ctx; ctx only bounds
// writing stdin.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Child, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is empty")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Not CommandContext: termination is managed by Terminate.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	// Grandchildren holding the output pipes must not pin Wait.
	cmd.WaitDelay = time.Second
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	limit := spec.MaxStdout
	if limit <= 0 {
		limit = DefaultMaxStdout
	}
	c := &Child{
		cmd:      cmd,
		logger:   logger,
		stdout:   &cappedBuffer{limit: limit},
		stderr:   &cappedBuffer{limit: MaxStderrBytes},
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
	}
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		cmd.Stdout = c.stdout
	}
	cmd.Stderr = c.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	logger.Debug("spawning child", "command", spec.Command, "args", spec.Args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	if h, err := HandleOf(cmd.Process.Pid); err == nil {
		c.Handle = h
	} else {
		c.Handle = NewHandle(int32(cmd.Process.Pid), 0)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if len(spec.Stdin) == 0 {
			writeErr <- nil
			return
		}
		_, err := stdin.Write(spec.Stdin)
		// A child that exits without draining stdin is judged by its exit status.
		if err != nil && ctx.Err() == nil && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, os.ErrClosed) {
			writeErr <- fmt.Errorf("write stdin: %w", err)
			return
		}
		writeErr <- nil
	}()

	go func() {
		werr := cmd.Wait()
		c.exit = c.describe(werr, <-writeErr)
		close(c.done)
	}()
	return c, nil
}

// Pid returns the OS process id.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// Done is closed once the child has exited and was reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// Wait blocks until the child exits.
func (c *Child) Wait() Exit {
	<-c.done
	return c.exit
}

// Terminate sends SIGTERM, waits up to grace, then sends SIGKILL. It returns
// once the child has been reaped.
func (c *Child) Terminate(grace time.Duration) Exit {
	select {
	case <-c.done:
		return c.exit
	default:
	}
	c.stopOnce.Do(func() { close(c.stopping) })

	if grace <= 0 {
		grace = DefaultGrace
	}
	c.logger.Warn("terminating child, sending SIGTERM", "pid", c.Pid())
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Error("failed to send SIGTERM", "pid", c.Pid(), "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.done:
		c.logger.Info("child exited after SIGTERM", "pid", c.Pid())
	case <-timer.C:
		c.logger.Warn("child did not exit after SIGTERM, sending SIGKILL", "pid", c.Pid())
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Error("failed to send SIGKILL", "pid", c.Pid(), "error", err)
		}
		<-c.done
	}
	return c.exit
}

func (c *Child) describe(waitErr, writeErr error) Exit {
	ex := Exit{
		ExitCode: -1,
		Stdout:   c.stdout.Bytes(),
		Stderr:   c.stderr.String(),
	}
	select {
	case <-c.stopping:
		ex.Terminated = true
	default:
	}
	if c.cmd.ProcessState != nil {
		ex.ExitCode = c.cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay):
		ex.Err = writeErr
	case errors.As(waitErr, &exitErr):
		c.logger.Debug("child exited with non-zero status", "pid", c.Pid(), "exit_code", exitErr.ExitCode())
	default:
		ex.Err = fmt.Errorf("wait for process: %w", waitErr)
	}
	return ex
}

// Run starts spec and waits for it to finish within timeout. If ctx is
// cancelled or the timeout expires, the child is terminated with the default
// grace period.
func (s *Supervisor) Run(ctx context.Context, spec Spec, timeout time.Duration) (Exit, error) {
	child, err := s.Start(ctx, spec)
	if err != nil {
		return Exit{}, err
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-child.Done():
		ex := child.Wait()
		return ex, ex.Err
	case <-timeoutC:
		ex := child.Terminate(DefaultGrace)
		return ex, ErrTimeout
	case <-ctx.Done():
		ex := child.Terminate(DefaultGrace)
		return ex, ctx.Err()
	}
}

// cappedBuffer keeps the first limit bytes written and silently drops the
// rest so a chatty child never blocks on a full pipe.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte { return append([]byte(nil), b.buf.Bytes()...) }

func (b *cappedBuffer) String() string { return b.buf.String() }
