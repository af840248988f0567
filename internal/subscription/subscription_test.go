package subscription

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/internal/process"
	"github.com/agentbridge/gateway/internal/provider"
	"github.com/agentbridge/gateway/internal/sessionlog"
)

type fakeSession struct {
	stdoutW *io.PipeWriter
	stdoutR *io.PipeReader
	waitCh  chan struct{}
	once    sync.Once
}

func newFakeSession() *fakeSession {
	r, w := io.Pipe()
	return &fakeSession{stdoutW: w, stdoutR: r, waitCh: make(chan struct{})}
}

func (s *fakeSession) Stdin() provider.WriteCloser { return discardWriteCloser{} }
func (s *fakeSession) Stdout() provider.Reader     { return s.stdoutR }
func (s *fakeSession) Stderr() provider.Reader     { return emptyReader{} }
func (s *fakeSession) Wait() error                 { <-s.waitCh; return nil }
func (s *fakeSession) Signal(graceful bool, grace time.Duration) error {
	s.stdoutW.Close()
	s.once.Do(func() { close(s.waitCh) })
	return nil
}
func (s *fakeSession) writeLine(line string) { s.stdoutW.Write([]byte(line + "\n")) }

type discardWriteCloser struct{}

func (discardWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriteCloser) Close() error                { return nil }

type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }

type fakeBackend struct{ session *fakeSession }

func (b *fakeBackend) Name() string      { return "fake" }
func (b *fakeBackend) IsInstalled() bool { return true }
func (b *fakeBackend) AuthStatus(ctx context.Context) (provider.AuthStatus, error) {
	return provider.AuthStatus{Authenticated: true}, nil
}
func (b *fakeBackend) StartSession(ctx context.Context, opts provider.StartOptions) (provider.Session, error) {
	return b.session, nil
}

func newTestProcess(t *testing.T) (*process.Process, *fakeSession) {
	t.Helper()
	session := newFakeSession()
	backend := &fakeBackend{session: session}
	dir := t.TempDir()
	logStore := sessionlog.New(dir)
	bus := eventbus.New()
	t.Cleanup(func() { bus.Close() })

	p, err := process.New(process.Config{
		ID:            "proc-1",
		SessionID:     "sess-1",
		ProjectPath:   "/project",
		Backend:       backend,
		Log:           logStore.Open("/project", "sess-1"),
		Bus:           bus,
		QueueCap:      8,
		GraceDeadline: time.Second,
	})
	require.NoError(t, err)
	return p, session
}

func TestSubscribeEmitsConnectedFirst(t *testing.T) {
	p, _ := newTestProcess(t)
	sub := Subscribe(p, "", time.Minute)
	defer sub.Close()

	ev := <-sub.Events()
	require.Equal(t, OutConnected, ev.Kind)
	require.NotNil(t, ev.Connected)
	assert.Equal(t, "proc-1", ev.Connected.ProcessID)
}

func TestSubscribeReplaysHistoryAfterConnected(t *testing.T) {
	p, session := newTestProcess(t)

	session.writeLine(`{"type":"text_delta","uuid":"u1","text":"hi"}`)
	session.writeLine(`{"type":"turn_complete"}`)
	require.Eventually(t, func() bool { return p.State().Kind == "idle" }, time.Second, 5*time.Millisecond)

	sub := Subscribe(p, "", time.Minute)
	defer sub.Close()

	first := <-sub.Events()
	require.Equal(t, OutConnected, first.Kind)

	second := <-sub.Events()
	require.Equal(t, OutMessage, second.Kind)
	require.NotNil(t, second.Record)
	assert.Equal(t, "hi", second.Record.Payload.Text)
}

func TestStreamEventDroppedUnderBackpressureButMessageSurvives(t *testing.T) {
	p, _ := newTestProcess(t)
	sub := Subscribe(p, "", time.Minute)
	defer sub.Close()

	<-sub.Events() // connected

	for i := 0; i < maxQueuedDroppable+10; i++ {
		sub.handleProcessEvent(process.Event{Kind: process.EventStreamEvent, StreamUUID: "u1", StreamText: "x"})
	}
	sub.handleProcessEvent(process.Event{Kind: process.EventMessage})

	var sawMessage bool
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == OutMessage {
				sawMessage = true
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	assert.True(t, sawMessage, "essential message event must survive stream-event backpressure")
}

func TestCompleteClosesSubscriptionWithoutDeadlock(t *testing.T) {
	p, session := newTestProcess(t)
	sub := Subscribe(p, "", time.Minute)

	<-sub.Events() // connected

	session.writeLine(`{"type":"turn_complete"}`)

	var sawComplete bool
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				break drain
			}
			if ev.Kind == OutComplete {
				sawComplete = true
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	assert.True(t, sawComplete)
}
