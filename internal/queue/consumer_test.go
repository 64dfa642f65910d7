package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb/sqlite"
)

func newConsumer(t *testing.T) (*Consumer, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewConsumer(store, Options{}), store
}

func TestConsumeOnce(t *testing.T) {
	c, store := newConsumer(t)
	ctx := context.Background()

	calls := 0
	handler := func(context.Context, []byte) error { calls++; return nil }

	msg := Message{ID: "msg-1", Topic: "payments", Body: []byte(`{"ok":true}`)}
	res := c.Consume(ctx, msg, handler)
	assert.Equal(t, Result{Processed: true}, res)
	assert.Equal(t, 1, calls)

	marked, err := store.HasEventWithEntity(ctx, events.QueueMessageProcessed, "msg-1")
	require.NoError(t, err)
	assert.True(t, marked)
}

func TestRedeliveryIsDeduplicated(t *testing.T) {
	c, _ := newConsumer(t)
	ctx := context.Background()

	calls := 0
	handler := func(context.Context, []byte) error { calls++; return nil }
	msg := Message{ID: "msg-dup", Topic: "payments", Body: []byte("x")}

	for i := 0; i < 5; i++ {
		res := c.Consume(ctx, msg, handler)
		if i == 0 {
			assert.True(t, res.Processed)
		} else {
			assert.True(t, res.Deduplicated, "redelivery %d ran the handler", i)
		}
	}
	assert.Equal(t, 1, calls)
}

func TestDedupeSurvivesProcessRestart(t *testing.T) {
	c, store := newConsumer(t)
	ctx := context.Background()

	calls := 0
	handler := func(context.Context, []byte) error { calls++; return nil }
	msg := Message{ID: "msg-restart", Topic: "payments", Body: []byte("x")}
	c.Consume(ctx, msg, handler)

	// A fresh consumer over the same store models a restarted process:
	// the in-memory memo is gone, the persistent marker is not.
	fresh := NewConsumer(store, Options{})
	res := fresh.Consume(ctx, msg, handler)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, 1, calls)
}

func TestConcurrentRedelivery(t *testing.T) {
	c, _ := newConsumer(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	handler := func(context.Context, []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}

	// Sequential first delivery, then a concurrent redelivery storm.
	c.Consume(ctx, Message{ID: "msg-storm", Topic: "t"}, handler)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.Consume(ctx, Message{ID: "msg-storm", Topic: "t"}, handler)
			assert.True(t, res.Deduplicated)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestConcurrentFirstDeliveryRunsHandlerOnce(t *testing.T) {
	c, _ := newConsumer(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	handler := func(context.Context, []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		// Hold the message in flight so the other deliveries arrive
		// before the processed marker exists.
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	// No prior delivery: all ten race on a cold memo and a cold store.
	var wg sync.WaitGroup
	processed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.Consume(ctx, Message{ID: "msg-first", Topic: "t"}, handler)
			require.NoError(t, res.Err)
			mu.Lock()
			if res.Processed {
				processed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls, "handler ran more than once for one message id")
	assert.Equal(t, 1, processed)
}

func TestHandlerFailureRecordsErrorEvent(t *testing.T) {
	c, store := newConsumer(t)
	ctx := context.Background()

	boom := errors.New("downstream unavailable")
	msg := Message{ID: "msg-bad", Topic: "payments", Body: []byte(`{"bad":1}`)}
	res := c.Consume(ctx, msg, func(context.Context, []byte) error { return boom })
	require.ErrorIs(t, res.Err, boom)
	assert.False(t, res.Processed)

	recorded, err := store.HasEventWithEntity(ctx, events.ConsumerError, "msg-bad")
	require.NoError(t, err)
	assert.True(t, recorded, "no CONSUMER_ERROR event")

	// A failed message is not marked processed: redelivery retries it.
	calls := 0
	res = c.Consume(ctx, msg, func(context.Context, []byte) error { calls++; return nil })
	assert.True(t, res.Processed)
	assert.Equal(t, 1, calls)
}

func TestErrorBodyIsTruncated(t *testing.T) {
	c, store := newConsumer(t)
	ctx := context.Background()

	huge := []byte(strings.Repeat("A", 4096))
	msg := Message{ID: "msg-huge", Topic: "payments", Body: huge}
	res := c.Consume(ctx, msg, func(context.Context, []byte) error {
		return fmt.Errorf("cannot parse")
	})
	require.Error(t, res.Err)

	evs, err := store.ListEventsByCorrelation(ctx, "msg-huge")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Less(t, len(evs[0].Payload), 1024, "error payload must truncate the body")
}

func TestMessageWithoutIDAlwaysProcesses(t *testing.T) {
	c, _ := newConsumer(t)
	ctx := context.Background()

	calls := 0
	handler := func(context.Context, []byte) error { calls++; return nil }
	for i := 0; i < 3; i++ {
		res := c.Consume(ctx, Message{Topic: "t", Body: []byte("x")}, handler)
		assert.True(t, res.Processed)
	}
	assert.Equal(t, 3, calls)
}
