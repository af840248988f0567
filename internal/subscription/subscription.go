// Package subscription bridges a single subscriber — an HTTP response
// writer or a relay socket — to one Process. It owns the
// subscribe-before-emit-connected ordering, history replay, event-type
// mapping, the 30-second heartbeat, and selective backpressure that
// drops stream deltas before it ever drops a committed message.
//
// Grounded on the teacher's internal/server/sse.go: the same
// subscribe-then-emit-connected sequencing, the same small buffered
// channel with a non-blocking send that logs-and-drops on a full
// buffer, and the same heartbeat ticker, generalized from one
// process-wide SSE multiplexer to a per-Process, per-subscriber type
// reusable by both the HTTP SSE endpoint and relay stream tunneling.
package subscription

import (
	"sync"
	"time"

	"github.com/agentbridge/gateway/internal/logging"
	"github.com/agentbridge/gateway/internal/process"
	"github.com/agentbridge/gateway/pkg/types"
)

// DefaultHeartbeatInterval matches the teacher's SSEHeartbeatInterval.
const DefaultHeartbeatInterval = 30 * time.Second

// outBufferSize is the subscriber's outbound event buffer depth, sized
// the same as the teacher's SSE channel.
const outBufferSize = 32

// OutKind is the closed set of event kinds a Subscription emits.
type OutKind string

const (
	OutConnected        OutKind = "connected"
	OutStatus           OutKind = "status"
	OutModeChange       OutKind = "mode-change"
	OutMessage          OutKind = "message"
	OutStreamEvent      OutKind = "stream-event"
	OutError            OutKind = "error"
	OutSessionIDChanged OutKind = "session-id-changed"
	OutComplete         OutKind = "complete"
	OutHeartbeat        OutKind = "heartbeat"
)

// ConnectedPayload is OutEvent's payload for OutConnected.
type ConnectedPayload struct {
	ProcessID      string
	SessionID      string
	State          types.ProcessState
	PermissionMode types.PermissionMode
	ModeVersion    int
	PendingRequest *types.ApprovalRequest
}

// OutEvent is one event delivered to a subscriber.
type OutEvent struct {
	Kind OutKind

	Connected    *ConnectedPayload // OutConnected
	Status       *types.ProcessState // OutStatus
	Mode         types.PermissionMode // OutModeChange
	ModeVersion  int                  // OutModeChange
	Record       *types.Record        // OutMessage
	StreamUUID   string                // OutStreamEvent
	StreamText   string                // OutStreamEvent
	Err          string                // OutError
	OldSessionID string                // OutSessionIDChanged
	NewSessionID string                // OutSessionIDChanged
}

// maxQueuedDroppable bounds how many stream-event deltas may sit in the
// internal queue before new ones are dropped outright.
const maxQueuedDroppable = 64

// Subscription bridges one subscriber to one Process. Process listeners
// must never block (they run under the Process's own mutex), so
// handleProcessEvent only ever appends to an internal queue; a
// dedicated pump goroutine drains that queue into the public Events()
// channel at the subscriber's own pace.
type Subscription struct {
	proc *process.Process
	out  chan OutEvent

	qmu       sync.Mutex
	queue     []OutEvent
	droppable int
	wake      chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	unsub     func()

	heartbeatInterval time.Duration
}

// Subscribe registers a new Subscription against p. afterID, if
// non-empty, truncates the replayed history to records after that uuid
// (used when a client reconnects mid-stream); an empty afterID replays
// the full committed history.
func Subscribe(p *process.Process, afterID string, heartbeatInterval time.Duration) *Subscription {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	sub := &Subscription{
		proc:              p,
		out:               make(chan OutEvent, outBufferSize),
		wake:              make(chan struct{}, 1),
		done:              make(chan struct{}),
		heartbeatInterval: heartbeatInterval,
	}
	go sub.pump()

	// Register the listener before emitting connected, so no Process
	// event between registration and the synthetic connected event is
	// ever lost.
	sub.unsub = p.Subscribe(sub.handleProcessEvent)

	state := p.State()
	sub.emitEssential(OutEvent{Kind: OutConnected, Connected: &ConnectedPayload{
		ProcessID:      p.ID(),
		SessionID:      p.SessionID(),
		State:          state,
		PendingRequest: state.Request,
	}})

	for _, rec := range replayAfter(p.GetMessageHistory(), afterID) {
		sub.emitEssential(OutEvent{Kind: OutMessage, Record: rec})
	}

	go sub.heartbeatLoop()
	return sub
}

func replayAfter(history []*types.Record, afterID string) []*types.Record {
	if afterID == "" {
		return history
	}
	for i, rec := range history {
		if rec.UUID == afterID {
			return history[i+1:]
		}
	}
	return history
}

// Events returns the channel a carrier should range/select over.
func (s *Subscription) Events() <-chan OutEvent { return s.out }

// Close unsubscribes from the Process and stops the heartbeat/pump.
// Safe to call multiple times, from the carrier on a write error, or
// from within a Process callback (handleProcessEvent on OutComplete) —
// the actual unsubscribe runs on its own goroutine so it never tries to
// re-acquire the Process's mutex from inside a call already holding it.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.unsub != nil {
			go s.unsub()
		}
	})
}

func (s *Subscription) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.emitEssential(OutEvent{Kind: OutHeartbeat})
		}
	}
}

func (s *Subscription) handleProcessEvent(ev process.Event) {
	switch ev.Kind {
	case process.EventStateChange:
		s.emitEssential(OutEvent{Kind: OutStatus, Status: ev.State})
	case process.EventModeChange:
		s.emitEssential(OutEvent{Kind: OutModeChange, Mode: ev.Mode, ModeVersion: ev.ModeVersion})
	case process.EventMessage:
		s.emitEssential(OutEvent{Kind: OutMessage, Record: ev.Record})
	case process.EventStreamEvent:
		s.emitDroppable(OutEvent{Kind: OutStreamEvent, StreamUUID: ev.StreamUUID, StreamText: ev.StreamText})
	case process.EventError:
		s.emitEssential(OutEvent{Kind: OutError, Err: ev.Err})
	case process.EventSessionIDChange:
		s.emitEssential(OutEvent{Kind: OutSessionIDChanged, OldSessionID: ev.OldSessionID, NewSessionID: ev.NewSessionID})
	case process.EventComplete:
		s.emitEssential(OutEvent{Kind: OutComplete})
		s.Close()
	}
}

// emitDroppable enqueues a non-essential (stream-event) payload, but
// drops it outright once the queue already holds maxQueuedDroppable
// undelivered deltas, rather than growing unbounded while a subscriber
// lags.
func (s *Subscription) emitDroppable(ev OutEvent) {
	s.qmu.Lock()
	if s.droppable >= maxQueuedDroppable {
		s.qmu.Unlock()
		logging.Component("subscription").Warn().
			Str("processId", s.proc.ID()).
			Str("eventKind", string(ev.Kind)).
			Msg("subscription backlog full, dropping stream-event delta")
		return
	}
	s.queue = append(s.queue, ev)
	s.droppable++
	s.qmu.Unlock()
	s.poke()
}

// emitEssential enqueues a message/state/complete/connected payload.
// Essential events are never dropped; the queue grows to accommodate
// them even if the subscriber is momentarily behind.
func (s *Subscription) emitEssential(ev OutEvent) {
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
	s.poke()
}

func (s *Subscription) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the internal queue into Events() at the subscriber's own
// pace. It is the only goroutine that ever sends on s.out, which keeps
// handleProcessEvent (called under the Process's mutex) non-blocking.
func (s *Subscription) pump() {
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			s.qmu.Unlock()
			select {
			case <-s.done:
				return
			case <-s.wake:
				continue
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		if ev.Kind == OutStreamEvent {
			s.droppable--
		}
		s.qmu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
