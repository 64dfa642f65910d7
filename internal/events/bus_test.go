package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	ev := New(time.Now(), TxnPosted, "journal", "j-1")
	bus.Publish(ev)

	select {
	case got := <-ch:
		assert.Equal(t, TxnPosted, got.Name)
		assert.Equal(t, "j-1", got.EntityID)
		assert.Equal(t, SchemaVersion, got.SchemaVersion)
		assert.NotEmpty(t, got.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusFullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Second publish overflows the buffer; Publish must not block.
		bus.Publish(New(time.Now(), TxnPosted, "journal", "j-1"))
		bus.Publish(New(time.Now(), TxnCompleted, "journal", "j-1"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusCountsDropsAcrossPublishers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	// Concurrent publishers against a 1-slot subscriber; every overflow
	// must be counted, and the counter must be safe under -race.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 16; i++ {
				bus.Publish(New(time.Now(), TxnPosted, "journal", "j-race"))
			}
		}()
	}
	wg.Wait()

	// 128 published, one slot filled; the rest were dropped.
	assert.Equal(t, uint64(127), bus.Dropped())
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")
}

func TestBusClose(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ch, _ := bus.Subscribe(4)

	bus.Close()
	bus.Publish(New(time.Now(), TxnPosted, "journal", "j-9"))

	_, open := <-ch
	require.False(t, open)

	// Subscribing after close yields a closed channel.
	late, _ := bus.Subscribe(4)
	_, open = <-late
	assert.False(t, open)
}

func TestMarshalPayload(t *testing.T) {
	raw := MarshalPayload(map[string]string{"journal_id": "j-1"})
	assert.JSONEq(t, `{"journal_id":"j-1"}`, string(raw))

	// Unmarshalable values degrade to null instead of failing.
	raw = MarshalPayload(make(chan int))
	assert.Equal(t, "null", string(raw))
}
