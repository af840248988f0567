// Package queue implements the bounded per-process FIFO of pending user
// inputs. It is intentionally small: the Process driver loop
// is the only consumer, and all synchronization lives behind a single
// mutex, mirroring the teacher's ActiveSession/abortChs bookkeeping style
// in internal/session/service.go rather than reaching for a channel-only
// design (a slice-backed FIFO makes peek(n)/clear() trivial, which a
// channel does not).
package queue

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentbridge/gateway/pkg/types"
)

// PushResult is the outcome of a Push call.
type PushResult struct {
	Success  bool
	Position int // 0-based position in the queue when Success
}

// Queue is a bounded FIFO of types.QueuedMessage.
type Queue struct {
	mu       sync.Mutex
	items    []*types.QueuedMessage
	capacity int
}

// New creates a Queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{capacity: capacity}
}

// Push appends msg to the tail of the queue. Surplus pushes beyond
// capacity fail fast rather than blocking or evicting.
func (q *Queue) Push(text string, attachments []types.Attachment) PushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return PushResult{Success: false}
	}

	msg := &types.QueuedMessage{
		ID:          ulid.Make().String(),
		Text:        text,
		Attachments: attachments,
		QueuedAt:    time.Now().UnixMilli(),
	}
	q.items = append(q.items, msg)
	return PushResult{Success: true, Position: len(q.items) - 1}
}

// Pop removes and returns the head of the queue, or nil if empty.
func (q *Queue) Pop() *types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg
}

// Peek returns up to n items from the head without removing them.
func (q *Queue) Peek(n int) []*types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]*types.QueuedMessage, n)
	copy(out, q.items[:n])
	return out
}

// Clear empties the queue and returns the items that were discarded.
func (q *Queue) Clear() []*types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	discarded := q.items
	q.items = nil
	return discarded
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
