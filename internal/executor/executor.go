// Package executor spawns and supervises the external agent CLI
// subprocess a Process drives. It is intentionally a thin wrapper over
// os/exec: no third-party process-supervision library appears anywhere
// in the example corpus (the teacher's internal/executor instead drove
// an in-process LLM subagent loop, which has no subprocess to manage),
// so this is a justified stdlib-only package.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/agentbridge/gateway/internal/logging"
)

// Spec describes how to launch a subprocess.
type Spec struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string
}

// Handle is a running subprocess and its pipes. cmd.Wait is called
// exactly once, from a goroutine started in Spawn; Wait/waitResult may
// be consulted any number of times afterward.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitDone chan struct{}
	waitErr  error
}

// Spawn starts the subprocess described by spec, wiring stdin/stdout/
// stderr as pipes for the caller to drive.
func Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executor: start %s: %w", spec.Command, err)
	}

	logging.Component("executor").Info().
		Str("command", spec.Command).
		Int("pid", cmd.Process.Pid).
		Msg("subprocess started")

	h := &Handle{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr, waitDone: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.waitDone)
	}()
	return h, nil
}

// Stdin, Stdout, Stderr expose the wired pipes.
func (h *Handle) Stdin() io.WriteCloser { return h.stdin }
func (h *Handle) Stdout() io.Reader     { return h.stdout }
func (h *Handle) Stderr() io.Reader     { return h.stderr }

// Wait blocks until the subprocess exits and returns its error (nil on a
// clean zero-status exit). Safe to call from multiple goroutines.
func (h *Handle) Wait() error {
	<-h.waitDone
	return h.waitErr
}

// ExitCode returns the subprocess's exit code once Wait has returned.
func (h *Handle) ExitCode() int {
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Signal requests termination. graceful sends SIGINT and gives the
// process gracePeriod to exit before escalating to SIGKILL; a non-
// graceful request kills immediately.
func (h *Handle) Signal(graceful bool, gracePeriod time.Duration) error {
	if h.cmd.Process == nil {
		return nil
	}
	if !graceful {
		return h.cmd.Process.Kill()
	}
	if err := h.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return h.cmd.Process.Kill()
	}

	select {
	case <-h.waitDone:
		return nil
	case <-time.After(gracePeriod):
		return h.cmd.Process.Kill()
	}
}
