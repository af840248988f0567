// Package eventbus provides the process-wide publish/subscribe bus: a
// single fan-out for file-change, process-state, and session-lifecycle
// events. It is built on watermill's in-memory
// gochannel, kept for potential future middleware/routing, while
// preserving direct typed-callback dispatch semantics so subscribers
// never lose the concrete event payload to a []byte round-trip.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/agentbridge/gateway/internal/logging"
)

// Kind is the closed union of event kinds the bus allows.
type Kind string

const (
	FileChange           Kind = "file-change"
	ProcessStateChanged   Kind = "process-state-changed"
	SessionStatusChanged Kind = "session-status-changed"
	SessionCreated       Kind = "session-created"
	SessionUpdated       Kind = "session-updated"
	ModeChange           Kind = "mode-change"
)

// FileChangeKind distinguishes the file categories the project index
// cares about invalidating on.
type FileChangeKind string

const (
	FileChangeSession      FileChangeKind = "session"
	FileChangeAgentSession FileChangeKind = "agent-session"
	FileChangeOther        FileChangeKind = "other"
)

// Event is a single published occurrence. Data carries the kind-specific
// payload; callers type-switch on it the same way the teacher's SSE
// layer type-switches on event.Event.Data.
type Event struct {
	Kind Kind
	Data any
}

// FileChangeData is Event.Data for Kind == FileChange.
type FileChangeData struct {
	Path     string
	Kind     string // "create" | "write" | "remove" | "rename"
	FileType FileChangeKind
}

// ProcessStateChangedData is Event.Data for Kind == ProcessStateChanged.
type ProcessStateChangedData struct {
	ProcessID string
	State     any // types.ProcessState; any to avoid an import cycle
}

// SessionStatusChangedData is Event.Data for Kind == SessionStatusChanged.
type SessionStatusChangedData struct {
	SessionID string
	Ownership string
}

// Subscriber receives published events. It must not block; long work
// should be handed off to its own goroutine/channel.
type Subscriber func(Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the event bus. The zero value is not usable; use New.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Kind][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
	cancel context.CancelFunc
}

// New creates a standalone bus. Most callers should instead take the
// Bus already constructed by the top-level Services aggregate.
func New() *Bus {
	_, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100, Persistent: false},
			watermill.NopLogger{},
		),
		subscribers: make(map[Kind][]subscriberEntry),
		cancel:      cancel,
	}
}

func (b *Bus) newID() uint64 { return atomic.AddUint64(&b.nextID, 1) }

// Subscribe registers fn for events of the given kind and returns an
// unsubscribe function.
func (b *Bus) Subscribe(kind Kind, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.subscribers[kind] = append(b.subscribers[kind], subscriberEntry{id, fn})
	return func() { b.unsubscribe(kind, id) }
}

// SubscribeAll registers fn for every event kind.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.global = append(b.global, subscriberEntry{id, fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[kind]
	for i, e := range subs {
		if e.id == id {
			b.subscribers[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.global {
		if e.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every matching subscriber. Dispatch happens
// synchronously from the publisher's point of view, but each subscriber
// call is wrapped with recover() so a panicking subscriber is logged and
// isolated rather than taking down the publisher or other subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subscribers[event.Kind])+len(b.global))
	for _, e := range b.subscribers[event.Kind] {
		subs = append(subs, e.fn)
	}
	for _, e := range b.global {
		subs = append(subs, e.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		callSubscriber(sub, event)
	}
}

func callSubscriber(sub Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("eventKind", string(event.Kind)).
				Interface("panic", r).
				Msg("eventbus: subscriber panicked, isolating")
		}
	}()
	sub(event)
}

// Close closes the bus and drops all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.subscribers = make(map[Kind][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}
