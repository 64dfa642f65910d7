package eventarchive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ugorji/go/codec"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/metrics"
)

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// record is the msgpack shape stored per sequence.
type record struct {
	ID            string `codec:"id"`
	Name          string `codec:"name"`
	EntityType    string `codec:"entity_type"`
	EntityID      string `codec:"entity_id"`
	CorrelationID string `codec:"correlation_id"`
	CausationID   string `codec:"causation_id"`
	ActorType     string `codec:"actor_type"`
	ActorID       string `codec:"actor_id"`
	SchemaVersion int    `codec:"schema_version"`
	Payload       []byte `codec:"payload,omitempty"`
	CreatedAtNs   int64  `codec:"created_at_ns"`
}

// Archive appends events to a backend in arrival order.
type Archive struct {
	backend Backend
	metrics *metrics.Metrics
	log     *zap.Logger
	handle  codec.MsgpackHandle

	mu   sync.Mutex
	next uint64
}

// Options tune an Archive.
type Options struct {
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// New builds an archive over backend, resuming the sequence from the
// backend's last stored record.
func New(backend Backend, opts Options) (*Archive, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	last, err := backend.LastSeq()
	if err != nil {
		return nil, fmt.Errorf("read archive tip: %w", err)
	}
	return &Archive{
		backend: backend,
		metrics: opts.Metrics,
		log:     opts.Logger.Named("archive"),
		next:    last + 1,
	}, nil
}

func toRecord(ev events.Event) record {
	return record{
		ID:            ev.ID,
		Name:          ev.Name,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.CausationID,
		ActorType:     ev.ActorType,
		ActorID:       ev.ActorID,
		SchemaVersion: ev.SchemaVersion,
		Payload:       ev.Payload,
		CreatedAtNs:   ev.CreatedAt.UnixNano(),
	}
}

func (r record) toEvent() events.Event {
	return events.Event{
		ID:            r.ID,
		Name:          r.Name,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		CorrelationID: r.CorrelationID,
		CausationID:   r.CausationID,
		ActorType:     r.ActorType,
		ActorID:       r.ActorID,
		SchemaVersion: r.SchemaVersion,
		Payload:       r.Payload,
		CreatedAt:     fromNanos(r.CreatedAtNs),
	}
}

// Append stores one event at the next sequence.
func (a *Archive) Append(ev events.Event) (uint64, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &a.handle).Encode(toRecord(ev)); err != nil {
		return 0, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	a.mu.Lock()
	seq := a.next
	if err := a.backend.Put(seq, buf); err != nil {
		a.mu.Unlock()
		return 0, err
	}
	a.next++
	a.mu.Unlock()

	a.metrics.ObserveArchiveAppend()
	return seq, nil
}

// Export decodes the records in [from, to]; to == 0 means the tip.
func (a *Archive) Export(from, to uint64) ([]events.Event, error) {
	var out []events.Event
	err := a.backend.Iterate(from, to, func(seq uint64, value []byte) error {
		var r record
		if err := codec.NewDecoderBytes(value, &a.handle).Decode(&r); err != nil {
			return fmt.Errorf("decode record %d: %w", seq, err)
		}
		out = append(out, r.toEvent())
		return nil
	})
	return out, err
}

// LastSeq returns the archive tip.
func (a *Archive) LastSeq() (uint64, error) {
	return a.backend.LastSeq()
}

// Tee subscribes to the bus and archives every event until ctx is
// cancelled. Append failures log and drop; the events table remains the
// durable record.
func (a *Archive) Tee(ctx context.Context, bus *events.Bus) {
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
			if _, err := a.Append(ev); err != nil {
				a.log.Warn("archive event", zap.String("event", ev.Name), zap.Error(err))
			}
		}
	}
}

// Close closes the underlying backend.
func (a *Archive) Close() error {
	return a.backend.Close()
}
