package provider

import (
	"context"
	"os/exec"
	"time"

	"github.com/agentbridge/gateway/internal/executor"
)

// CLIBackend is a Backend implementation that shells out to an
// installed agent CLI executable found on PATH.
type CLIBackend struct {
	name       string
	executable string
	args       []string
}

// NewCLIBackend creates a Backend for an executable on PATH, invoked
// with args before any per-session arguments.
func NewCLIBackend(name, executable string, args ...string) *CLIBackend {
	return &CLIBackend{name: name, executable: executable, args: args}
}

func (b *CLIBackend) Name() string { return b.name }

func (b *CLIBackend) IsInstalled() bool {
	_, err := exec.LookPath(b.executable)
	return err == nil
}

func (b *CLIBackend) AuthStatus(ctx context.Context) (AuthStatus, error) {
	if !b.IsInstalled() {
		return AuthStatus{Authenticated: false, Detail: "executable not found on PATH"}, nil
	}
	// Agent CLIs manage their own credential stores; the gateway treats
	// "installed" as sufficient evidence the backend can be attempted and
	// relies on the subprocess's own auth-check output to surface failures.
	return AuthStatus{Authenticated: true}, nil
}

func (b *CLIBackend) StartSession(ctx context.Context, opts StartOptions) (Session, error) {
	h, err := executor.Spawn(ctx, executor.Spec{
		Command: b.executable,
		Args:    b.args,
		WorkDir: opts.WorkDir,
		Env:     opts.Env,
	})
	if err != nil {
		return nil, err
	}
	return &handleSession{h: h}, nil
}

// handleSession adapts *executor.Handle to the Session interface.
type handleSession struct {
	h *executor.Handle
}

func (s *handleSession) Stdin() WriteCloser { return s.h.Stdin() }
func (s *handleSession) Stdout() Reader     { return s.h.Stdout() }
func (s *handleSession) Stderr() Reader     { return s.h.Stderr() }
func (s *handleSession) Wait() error        { return s.h.Wait() }
func (s *handleSession) Signal(graceful bool, grace time.Duration) error {
	return s.h.Signal(graceful, grace)
}
