package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// AppendEvent appends one row to the event stream.
func (s *Store) AppendEvent(ctx context.Context, ev events.Event) error {
	if err := s.guard(); err != nil {
		return err
	}
	return insertEvent(ctx, s.db, ev)
}

func insertEvent(ctx context.Context, ex executor, ev events.Event) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO events
			(id, name, entity_type, entity_id, correlation_id, causation_id,
			 actor_type, actor_id, schema_version, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Name, ev.EntityType, ev.EntityID, ev.CorrelationID, ev.CausationID,
		ev.ActorType, ev.ActorID, ev.SchemaVersion, nullBytes(ev.Payload), toNanos(ev.CreatedAt))
	if err != nil {
		return ledgerdb.NewQueryError("append_event", "insert event", err)
	}
	return nil
}

// AppendAudit appends one audit_log row.
func (s *Store) AppendAudit(ctx context.Context, entry events.AuditEntry) error {
	if err := s.guard(); err != nil {
		return err
	}
	return insertAudit(ctx, s.db, entry)
}

func insertAudit(ctx context.Context, ex executor, entry events.AuditEntry) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO audit_log
			(id, action, actor_type, actor_id, target_type, target_id,
			 before_json, after_json, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.ActorType, entry.ActorID, entry.TargetType, entry.TargetID,
		nullBytes(entry.Before), nullBytes(entry.After), entry.CorrelationID, toNanos(entry.CreatedAt))
	if err != nil {
		return ledgerdb.NewQueryError("append_audit", "insert audit entry", err)
	}
	return nil
}

// HasEventWithEntity reports whether an event (name, entity_id) exists;
// the queue consumer's persistent dedupe lookup.
func (s *Store) HasEventWithEntity(ctx context.Context, name, entityID string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE name = ? AND entity_id = ? LIMIT 1`,
		name, entityID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, ledgerdb.NewQueryError("has_event_with_entity", "query event", err)
	}
	return true, nil
}

// ListEventsByCorrelation returns all events for a correlation id in
// append order.
func (s *Store) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]events.Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, entity_type, entity_id, correlation_id, causation_id,
		        actor_type, actor_id, schema_version, payload_json, created_at
		   FROM events WHERE correlation_id = ?
		  ORDER BY created_at ASC, id ASC`, correlationID)
	if err != nil {
		return nil, ledgerdb.NewQueryError("list_events_by_correlation", "query events", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev      events.Event
			payload sql.NullString
			ns      int64
		)
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.EntityType, &ev.EntityID, &ev.CorrelationID,
			&ev.CausationID, &ev.ActorType, &ev.ActorID, &ev.SchemaVersion, &payload, &ns); err != nil {
			return nil, ledgerdb.NewDataError("list_events_by_correlation", "scan event", err)
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.CreatedAt = fromNanos(ns)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgerdb.NewQueryError("list_events_by_correlation", "iterate events", err)
	}
	return out, nil
}
