package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/events"
)

// AMQPConfig wires the broker adapter.
type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
}

// AMQPConsumer pulls deliveries off a queue and feeds them through the
// deduplicating Consumer. Acking policy: processed and deduplicated
// deliveries ack; handler failures nack with requeue so the broker
// redelivers.
type AMQPConsumer struct {
	cfg      AMQPConfig
	consumer *Consumer
	log      *zap.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPConsumer dials the broker and declares the queue bound to the
// exchange.
func NewAMQPConsumer(cfg AMQPConfig, consumer *Consumer, log *zap.Logger) (*AMQPConsumer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if err := declare(ch, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &AMQPConsumer{
		cfg:      cfg,
		consumer: consumer,
		log:      log.Named("amqp"),
		conn:     conn,
		ch:       ch,
	}, nil
}

func declare(ch *amqp.Channel, cfg AMQPConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, "#", cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (a *AMQPConsumer) Run(ctx context.Context, handler Handler) error {
	deliveries, err := a.ch.ConsumeWithContext(ctx, a.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", a.cfg.Queue, err)
	}
	a.log.Info("consuming", zap.String("queue", a.cfg.Queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			a.handle(ctx, d, handler)
		}
	}
}

func (a *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	msg := Message{ID: d.MessageId, Topic: d.RoutingKey, Body: d.Body}
	res := a.consumer.Consume(ctx, msg, handler)
	if res.Err != nil {
		if err := d.Nack(false, true); err != nil {
			a.log.Warn("nack delivery", zap.Error(err))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		a.log.Warn("ack delivery", zap.Error(err))
	}
}

// Close tears down the channel and connection.
func (a *AMQPConsumer) Close() error {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// AMQPPublisher mirrors committed ledger events onto the exchange. The
// event id becomes the broker MessageId, which is what downstream
// consumers dedupe on.
type AMQPPublisher struct {
	cfg  AMQPConfig
	log  *zap.Logger
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg AMQPConfig, log *zap.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &AMQPPublisher{cfg: cfg, log: log.Named("amqp-pub"), conn: conn, ch: ch}, nil
}

// Publish pushes one event, routed by event name.
func (p *AMQPPublisher) Publish(ctx context.Context, ev events.Event) error {
	body, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, ev.Name, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.ID,
		CorrelationId: ev.CorrelationID,
		Timestamp:     ev.CreatedAt,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	return nil
}

// Pump subscribes to the in-process bus and republishes every event to
// the broker until ctx is cancelled. Publish failures log and drop; the
// events table remains the durable record.
func (p *AMQPPublisher) Pump(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			pubCtx, done := context.WithTimeout(ctx, 5*time.Second)
			if err := p.Publish(pubCtx, ev); err != nil {
				p.log.Warn("publish event", zap.String("event", ev.Name), zap.Error(err))
			}
			done()
		}
	}
}

// Close tears down the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
