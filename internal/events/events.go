// Package events defines the append-only event and audit records emitted
// by the core, plus the in-process bus that fans committed events out to
// subscribers (websocket feed, queue publisher, archive).
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stream event names. These are stable wire values; consumers dedupe and
// route on them.
const (
	TxnPosted              = "TXN_POSTED"
	TxnCompleted           = "TXN_COMPLETED"
	TxnReversed            = "TXN_REVERSED"
	AccountCreated         = "ACCOUNT_CREATED"
	ReconciliationMismatch = "RECONCILIATION_MISMATCH"
	IntegrityCheckFailed   = "INTEGRITY_CHECK_FAILED"
	RepairExecuted         = "REPAIR_EXECUTED"
	StateRepaired          = "STATE_REPAIRED"
	QueueMessageProcessed  = "QUEUE_MESSAGE_PROCESSED"
	ConsumerError          = "CONSUMER_ERROR"
	ApprovalRequested      = "APPROVAL_REQUESTED"
	ApprovalDecided        = "APPROVAL_DECIDED"
	OverdraftActivated     = "OVERDRAFT_ACTIVATED"
	FeeMatrixApplied       = "FEE_MATRIX_APPLIED"
)

// SchemaVersion is stamped on every event this build emits.
const SchemaVersion = 1

// Event is one append-only stream row. Events are never updated. The
// JSON shape is the wire format pushed to the broker, the websocket
// feed, and the archive.
type Event struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id"`
	ActorType     string          `json:"actor_type"`
	ActorID       string          `json:"actor_id"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Marshal renders the event in its wire shape.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// AuditEntry is one append-only audit_log row capturing who did what to
// which target, with before/after snapshots.
type AuditEntry struct {
	ID            string
	Action        string
	ActorType     string
	ActorID       string
	TargetType    string
	TargetID      string
	Before        json.RawMessage
	After         json.RawMessage
	CorrelationID string
	CreatedAt     time.Time
}

// New builds an event with a fresh ID and the current schema version.
// Callers fill correlation, actor, and payload fields as appropriate.
func New(now time.Time, name, entityType, entityID string) Event {
	return Event{
		ID:            uuid.NewString(),
		Name:          name,
		EntityType:    entityType,
		EntityID:      entityID,
		SchemaVersion: SchemaVersion,
		CreatedAt:     now.UTC(),
	}
}

// NewAudit builds an audit entry with a fresh ID.
func NewAudit(now time.Time, action, actorType, actorID, targetType, targetID string) AuditEntry {
	return AuditEntry{
		ID:         uuid.NewString(),
		Action:     action,
		ActorType:  actorType,
		ActorID:    actorID,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  now.UTC(),
	}
}

// MarshalPayload renders v as the event payload, or null on marshal
// failure. Payload marshalling failures must never block a commit.
func MarshalPayload(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
