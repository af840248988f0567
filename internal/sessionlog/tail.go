package sessionlog

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/pkg/types"
)

// Tailer incrementally reads newly committed records from a Log as the
// underlying file changes, driven by eventbus file-change events. One
// Tailer instance should back one subscriber.
type Tailer struct {
	log    *Log
	bus    *eventbus.Bus
	path   string
	mu     sync.Mutex
	offset int64
	unsub  func()
}

// NewTailer creates a Tailer over log, matching file-change events whose
// Path equals the log's on-disk path.
func NewTailer(bus *eventbus.Bus, log *Log) (*Tailer, error) {
	off, err := log.Offset()
	if err != nil {
		return nil, err
	}
	t := &Tailer{log: log, bus: bus, path: log.path, offset: off}
	return t, nil
}

// Start begins delivering newly committed records to onRecord whenever
// the log file changes. Returns a stop function.
func (t *Tailer) Start(onRecord func(*types.Record)) func() {
	t.unsub = t.bus.Subscribe(eventbus.FileChange, func(e eventbus.Event) {
		data, ok := e.Data.(eventbus.FileChangeData)
		if !ok || data.Path != t.path {
			return
		}
		for _, rec := range t.poll() {
			onRecord(rec)
		}
	})
	return t.unsub
}

// poll reads any newly-committed records since the last call and
// advances the offset past them. A trailing uncommitted line is left
// unread so the next poll can pick it up once it is completed.
func (t *Tailer) poll() []*types.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= t.offset {
		return nil
	}

	if _, err := f.Seek(t.offset, 0); err != nil {
		return nil
	}

	var records []*types.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	consumed := t.offset
	remaining := info.Size()
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1
		next := consumed + lineLen
		if next > remaining {
			break // uncommitted trailing partial line; leave offset before it
		}
		consumed = next
		var rec types.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if !rec.Type.IsInternal() {
			records = append(records, &rec)
		}
	}
	t.offset = consumed
	return records
}
