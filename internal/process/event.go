package process

import "github.com/agentbridge/gateway/pkg/types"

// EventKind is the closed set of events a Process publishes to its
// subscribers.
type EventKind string

const (
	EventStateChange     EventKind = "state-change"
	EventModeChange      EventKind = "mode-change"
	EventMessage         EventKind = "message"
	EventStreamEvent     EventKind = "stream-event"
	EventError           EventKind = "error"
	EventSessionIDChange EventKind = "session-id-changed"
	EventComplete        EventKind = "complete"
)

// Event is one occurrence delivered to a Process subscriber.
type Event struct {
	Kind EventKind

	State          *types.ProcessState // EventStateChange
	Mode           types.PermissionMode // EventModeChange
	ModeVersion    int                  // EventModeChange
	Record         *types.Record        // EventMessage (sealed record)
	StreamText     string                // EventStreamEvent (delta)
	StreamUUID     string                // EventStreamEvent
	Err            string                // EventError
	OldSessionID   string                // EventSessionIDChange
	NewSessionID   string                // EventSessionIDChange
}

// Listener receives Process events. Must not block.
type Listener func(Event)
