package sessionlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/pkg/types"
)

func TestTailerDeliversNewlyCommittedRecords(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()

	store := New(t.TempDir())
	log := store.Open("/tmp/proj", "sess-1")
	require.NoError(t, log.Append(&types.Record{Type: types.RecordUserMessage, UUID: "u1", Timestamp: 1}))

	tailer, err := NewTailer(bus, log)
	require.NoError(t, err)

	received := make(chan *types.Record, 4)
	stop := tailer.Start(func(rec *types.Record) { received <- rec })
	defer stop()

	require.NoError(t, log.Append(&types.Record{Type: types.RecordAssistantMessage, UUID: "u2", ParentUUID: "u1", Timestamp: 2}))
	bus.Publish(eventbus.Event{Kind: eventbus.FileChange, Data: eventbus.FileChangeData{Path: log.path, Kind: "write", FileType: eventbus.FileChangeSession}})

	select {
	case rec := <-received:
		require.Equal(t, "u2", rec.UUID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tailed record")
	}
}

func TestTailerIgnoresUnrelatedPaths(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()

	store := New(t.TempDir())
	log := store.Open("/tmp/proj", "sess-1")

	tailer, err := NewTailer(bus, log)
	require.NoError(t, err)

	received := make(chan *types.Record, 4)
	stop := tailer.Start(func(rec *types.Record) { received <- rec })
	defer stop()

	bus.Publish(eventbus.Event{Kind: eventbus.FileChange, Data: eventbus.FileChangeData{Path: "/some/other/file.jsonl", Kind: "write", FileType: eventbus.FileChangeSession}})

	select {
	case rec := <-received:
		t.Fatalf("unexpected record delivered: %+v", rec)
	case <-time.After(200 * time.Millisecond):
	}
}
