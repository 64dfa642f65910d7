// Package queue implements at-least-once message consumption with
// persistent dedupe, and the AMQP publisher that pushes committed
// events to the broker. The dedupe guarantee: for any sequence of
// deliveries sharing a message id, the handler body runs at most once,
// side effects included.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/metrics"
)

// maxErrorBody bounds how much of a failing message body lands in the
// CONSUMER_ERROR event payload.
const maxErrorBody = 512

// Message is one delivery off the broker.
type Message struct {
	ID    string
	Topic string
	Body  []byte
}

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Result reports what the consumer did with a delivery.
type Result struct {
	Processed    bool
	Deduplicated bool
	Err          error
}

// Store is the persistent processed-set: the events table, queried for
// QUEUE_MESSAGE_PROCESSED markers.
type Store interface {
	HasEventWithEntity(ctx context.Context, name, entityID string) (bool, error)
	AppendEvent(ctx context.Context, ev events.Event) error
}

// Consumer wraps a handler with dedupe.
type Consumer struct {
	store   Store
	bus     *events.Bus
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	// memo short-circuits repeats inside one process/batch without a
	// store round trip.
	mu   sync.Mutex
	memo map[string]struct{}
}

// Options tune a Consumer.
type Options struct {
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// NewConsumer builds a consumer over the persistent processed-set.
func NewConsumer(store Store, opts Options) *Consumer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Consumer{
		store:   store,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     opts.Logger.Named("consumer"),
		now:     opts.Now,
		memo:    make(map[string]struct{}),
	}
}

// Consume runs handler for msg unless its id was already processed.
// The processed marker is persisted best-effort: losing it risks one
// redundant handler run after a crash, never a lost message.
func (c *Consumer) Consume(ctx context.Context, msg Message, handler Handler) Result {
	if msg.ID == "" {
		// No id means no dedupe contract; process unconditionally.
		if err := handler(ctx, msg.Body); err != nil {
			c.recordError(ctx, msg, err)
			return Result{Err: err}
		}
		return Result{Processed: true}
	}

	// The reservation doubles as the in-flight guard: concurrent
	// deliveries of one id dedupe against it before the handler runs.
	if !c.reserve(msg.ID) {
		c.metrics.ObserveConsumerDedup()
		return Result{Deduplicated: true}
	}

	processed, err := c.store.HasEventWithEntity(ctx, events.QueueMessageProcessed, msg.ID)
	if err != nil {
		c.forget(msg.ID)
		return Result{Err: err}
	}
	if processed {
		c.metrics.ObserveConsumerDedup()
		return Result{Deduplicated: true}
	}

	if err := handler(ctx, msg.Body); err != nil {
		// Release the reservation so a redelivery can retry.
		c.forget(msg.ID)
		c.recordError(ctx, msg, err)
		return Result{Err: err}
	}

	marker := events.New(c.now().UTC(), events.QueueMessageProcessed, "queue_message", msg.ID)
	marker.ActorType = "SYSTEM"
	marker.ActorID = "consumer"
	marker.CorrelationID = msg.ID
	marker.CausationID = msg.ID
	marker.Payload = events.MarshalPayload(map[string]string{"topic": msg.Topic})
	if err := c.store.AppendEvent(ctx, marker); err != nil {
		c.log.Warn("persist processed marker",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	return Result{Processed: true}
}

// reserve claims id in the memo. False means another delivery already
// holds or completed it.
func (c *Consumer) reserve(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.memo[id]; seen {
		return false
	}
	c.memo[id] = struct{}{}
	return true
}

func (c *Consumer) forget(id string) {
	c.mu.Lock()
	delete(c.memo, id)
	c.mu.Unlock()
}

func (c *Consumer) recordError(ctx context.Context, msg Message, cause error) {
	body := msg.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	ev := events.New(c.now().UTC(), events.ConsumerError, "queue_message", id)
	ev.ActorType = "SYSTEM"
	ev.ActorID = "consumer"
	ev.CorrelationID = id
	ev.CausationID = id
	ev.Payload = events.MarshalPayload(map[string]string{
		"topic": msg.Topic,
		"body":  string(body),
		"error": cause.Error(),
	})
	if err := c.store.AppendEvent(ctx, ev); err != nil {
		c.log.Warn("persist consumer error", zap.Error(err))
	} else if c.bus != nil {
		c.bus.Publish(ev)
	}
	c.log.Error("handler failed",
		zap.String("message_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Error(cause))
}
