package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentbridge/gateway/internal/auth"
	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/internal/project"
	"github.com/agentbridge/gateway/internal/provider"
	"github.com/agentbridge/gateway/internal/sessionlog"
	"github.com/agentbridge/gateway/internal/storage"
	"github.com/agentbridge/gateway/internal/supervisor"
)

// fakeSession is an in-memory provider.Session that never spawns a real
// subprocess, letting Process be driven deterministically in tests.
// Mirrors internal/supervisor's own test fixture.
type fakeSession struct {
	stdoutW *io.PipeWriter
	stdoutR *io.PipeReader
	waitCh  chan struct{}
}

func newFakeSession() *fakeSession {
	r, w := io.Pipe()
	return &fakeSession{stdoutW: w, stdoutR: r, waitCh: make(chan struct{})}
}

func (s *fakeSession) Stdin() provider.WriteCloser { return discardWriteCloser{} }
func (s *fakeSession) Stdout() provider.Reader     { return s.stdoutR }
func (s *fakeSession) Stderr() provider.Reader     { return strReader("") }
func (s *fakeSession) Wait() error {
	<-s.waitCh
	return nil
}
func (s *fakeSession) Signal(graceful bool, grace time.Duration) error {
	s.stdoutW.Close()
	select {
	case <-s.waitCh:
	default:
		close(s.waitCh)
	}
	return nil
}

type discardWriteCloser struct{}

func (discardWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriteCloser) Close() error                { return nil }

type strReader string

func (strReader) Read(p []byte) (int, error) { return 0, io.EOF }

type fakeBackend struct{ name string }

func (b *fakeBackend) Name() string      { return b.name }
func (b *fakeBackend) IsInstalled() bool { return true }
func (b *fakeBackend) AuthStatus(ctx context.Context) (provider.AuthStatus, error) {
	return provider.AuthStatus{Authenticated: true}, nil
}
func (b *fakeBackend) StartSession(ctx context.Context, opts provider.StartOptions) (provider.Session, error) {
	return newFakeSession(), nil
}

// newTestServer wires a Server against real, in-memory collaborators:
// everything but the subprocess itself is the genuine implementation.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	bus := eventbus.New()
	t.Cleanup(func() { bus.Close() })

	logs := sessionlog.New(dir)

	homeDir := t.TempDir()
	projects := project.New(bus, homeDir, dir)
	t.Cleanup(projects.Close)

	sup := supervisor.New(supervisor.Config{
		Bus:             bus,
		Logs:            logs,
		ProjectCap:      4,
		QueueCap:        4,
		ProcessQueueCap: 8,
		GraceDeadline:   time.Second,
	})

	backends := provider.NewRegistry()
	backends.Register(&fakeBackend{name: "fake"})

	authSvc := auth.New(auth.Config{Store: storage.New(t.TempDir())})

	return New(DefaultConfig(), Deps{
		Supervisor: sup,
		Projects:   projects,
		Logs:       logs,
		Auth:       authSvc,
		Backends:   backends,
		Bus:        bus,
	})
}

func decodeJSON(t *testing.T, body io.Reader, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(body).Decode(v))
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeJSON(t, resp.Body, &body)
	require.Equal(t, "ok", body["status"])
}

func TestListProjectsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/projects")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var projects []map[string]any
	decodeJSON(t, resp.Body, &projects)
	require.NotNil(t, projects) // the homeDir fallback project always appears
	require.Len(t, projects, 1)
}

func TestGetProjectSessionsUnknownProject(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/projects/does-not-exist/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
