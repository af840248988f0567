package supervisor

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/internal/provider"
	"github.com/agentbridge/gateway/internal/sessionlog"
	"github.com/agentbridge/gateway/pkg/types"
)

// fakeSession is an in-memory provider.Session that never spawns a real
// subprocess, so Process can be driven deterministically in tests.
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

type fakeBackend struct {
	name     string
	sessions []*fakeSession
}

func (b *fakeBackend) Name() string     { return b.name }
func (b *fakeBackend) IsInstalled() bool { return true }
func (b *fakeBackend) AuthStatus(ctx context.Context) (provider.AuthStatus, error) {
	return provider.AuthStatus{Authenticated: true}, nil
}
func (b *fakeBackend) StartSession(ctx context.Context, opts provider.StartOptions) (provider.Session, error) {
	s := newFakeSession()
	b.sessions = append(b.sessions, s)
	return s, nil
}

func newTestSupervisor(t *testing.T, projectCap, queueCap int) (*Supervisor, *fakeBackend) {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New()
	t.Cleanup(func() { bus.Close() })
	logs := sessionlog.New(dir)
	_ = os.MkdirAll(dir, 0755)
	return New(Config{
		Bus:             bus,
		Logs:            logs,
		ProjectCap:      projectCap,
		QueueCap:        queueCap,
		ProcessQueueCap: 8,
		GraceDeadline:   time.Second,
	}), &fakeBackend{name: "fake"}
}

func TestStartSessionAdmitsWithinCap(t *testing.T) {
	sup, backend := newTestSupervisor(t, 2, 2)
	out, err := sup.StartSession(StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)
	require.NotNil(t, out.Process)
	assert.False(t, out.Queued)

	all := sup.GetAllProcesses()
	assert.Len(t, all, 1)
}

func TestStartSessionQueuesThenStartsOnRelease(t *testing.T) {
	sup, backend := newTestSupervisor(t, 1, 2)

	out1, err := sup.StartSession(StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)
	require.NotNil(t, out1.Process)

	out2, err := sup.StartSession(StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)
	assert.True(t, out2.Queued)
	assert.NotEmpty(t, out2.QueueID)

	ok := sup.AbortProcess(out1.Process.ID())
	assert.True(t, ok)

	p2, apiErr := sup.AwaitTicket(out2.QueueID, 2*time.Second)
	require.Nil(t, apiErr)
	require.NotNil(t, p2)
	assert.NotEqual(t, out1.Process.ID(), p2.ID())
}

func TestQueueFullRejectsFurtherTickets(t *testing.T) {
	sup, backend := newTestSupervisor(t, 1, 1)

	_, err := sup.StartSession(StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)

	out2, err := sup.StartSession(StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)
	assert.True(t, out2.Queued)

	out3, err := sup.StartSession(StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)
	assert.True(t, out3.QueueFull)
}

func TestCancelTicketUnblocksAwait(t *testing.T) {
	sup, backend := newTestSupervisor(t, 1, 2)

	_, err := sup.StartSession(StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)

	out2, err := sup.StartSession(StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)
	require.True(t, out2.Queued)

	assert.True(t, sup.CancelTicket(out2.QueueID))

	_, apiErr := sup.AwaitTicket(out2.QueueID, time.Second)
	require.NotNil(t, apiErr)
}

func TestAbortProcessRemovesFromBothIndices(t *testing.T) {
	sup, backend := newTestSupervisor(t, 2, 2)
	out, err := sup.StartSession(StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)

	pid := out.Process.ID()
	sid := out.Process.SessionID()

	assert.True(t, sup.AbortProcess(pid))

	_, ok := sup.GetProcess(pid)
	assert.False(t, ok)
	_, ok = sup.GetProcessForSession(sid)
	assert.False(t, ok)
}

func TestResumeSessionReusesRunningProcess(t *testing.T) {
	sup, backend := newTestSupervisor(t, 2, 2)
	out, err := sup.StartSession(StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)

	sid := out.Process.SessionID()
	out2, err := sup.ResumeSession(sid, StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)
	assert.Equal(t, out.Process.ID(), out2.Process.ID())
}

func TestResumeSessionReplaysLogForNewProcess(t *testing.T) {
	sup, backend := newTestSupervisor(t, 2, 2)

	log := sup.logs.Open("/p1", "resumed-session")
	require.NoError(t, log.Append(&types.Record{Type: types.RecordUserMessage, UUID: "u1", Timestamp: 1}))

	out, err := sup.ResumeSession("resumed-session", StartRequest{ProjectPath: "/p1", Backend: backend})
	require.NoError(t, err)
	require.NotNil(t, out.Process)

	history := out.Process.GetMessageHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "u1", history[0].UUID)
}
