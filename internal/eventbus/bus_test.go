package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingKind(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(FileChange, func(e Event) { received <- e })
	defer unsub()

	bus.Publish(Event{Kind: FileChange, Data: FileChangeData{Path: "/a", Kind: "write"}})

	select {
	case e := <-received:
		data, ok := e.Data.(FileChangeData)
		require.True(t, ok)
		assert.Equal(t, "/a", data.Path)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeIgnoresOtherKinds(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(FileChange, func(e Event) { received <- e })
	defer unsub()

	bus.Publish(Event{Kind: SessionCreated, Data: nil})

	select {
	case <-received:
		t.Fatal("subscriber for FileChange should not see a SessionCreated event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	defer bus.Close()

	var calls int
	unsub := bus.Subscribe(ModeChange, func(Event) { calls++ })
	unsub()

	bus.Publish(Event{Kind: ModeChange})
	assert.Equal(t, 0, calls)
}

func TestSubscribeAllSeesEveryKind(t *testing.T) {
	bus := New()
	defer bus.Close()

	var mu sync.Mutex
	var kinds []Kind
	unsub := bus.SubscribeAll(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(Event{Kind: FileChange})
	bus.Publish(Event{Kind: SessionUpdated})

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []Kind{FileChange, SessionUpdated}, kinds)
}

func TestPublishIsolatesPanickingSubscriber(t *testing.T) {
	bus := New()
	defer bus.Close()

	var secondCalled bool
	bus.Subscribe(FileChange, func(Event) { panic("boom") })
	bus.Subscribe(FileChange, func(Event) { secondCalled = true })

	assert.NotPanics(t, func() {
		bus.Publish(Event{Kind: FileChange})
	})
	assert.True(t, secondCalled)
}

func TestCloseStopsFurtherDelivery(t *testing.T) {
	bus := New()

	var calls int
	bus.Subscribe(FileChange, func(Event) { calls++ })
	require.NoError(t, bus.Close())

	bus.Publish(Event{Kind: FileChange})
	assert.Equal(t, 0, calls)
}
