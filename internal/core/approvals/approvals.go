// Package approvals implements the maker-checker gate. A maker opens a
// PENDING request; a different staff member approves or rejects it. The
// same-actor rule is enforced three times over: here, in the store
// operation, and by a CHECK constraint on the table.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/fault"
	"github.com/tidewallet/ledgerd/internal/core/feesched"
	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// Type keys for the gated operations.
const (
	TypeReversal         = "JOURNAL_REVERSAL"
	TypeAdjustment       = "MANUAL_ADJUSTMENT"
	TypeFeeMatrixChange  = "FEE_MATRIX_CHANGE"
	TypeOverdraftRequest = "OVERDRAFT_FACILITY"
)

// Store is the persistence slice the service needs.
type Store interface {
	CreateApprovalRequest(ctx context.Context, ar ledgerdb.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (ledgerdb.ApprovalRequest, error)
	DecideApprovalRequest(ctx context.Context, id, checkerStaffID string, state ledgerdb.ApprovalState, decidedAt time.Time) error
	UpdateOverdraftState(ctx context.Context, id string, state journal.OverdraftState) error
	CreateOverdraftFacility(ctx context.Context, f journal.OverdraftFacility) error
	AppendEvent(ctx context.Context, ev events.Event) error
	AppendAudit(ctx context.Context, entry events.AuditEntry) error
}

// Service runs the maker-checker workflow.
type Service struct {
	store Store
	bus   *events.Bus
	fees  *feesched.Schedule
	log   *zap.Logger
	now   func() time.Time
}

// Options tune a Service.
type Options struct {
	Bus *events.Bus
	// Fees receives approved FEE_MATRIX_CHANGE payloads. Nil leaves fee
	// matrix approvals recorded but unapplied.
	Fees   *feesched.Schedule
	Logger *zap.Logger
	Now    func() time.Time
}

// New builds the service.
func New(store Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: store, bus: opts.Bus, fees: opts.Fees, log: opts.Logger.Named("approvals"), now: opts.Now}
}

// CreateRequest opens a PENDING request.
func (s *Service) CreateRequest(ctx context.Context, typeKey, makerStaffID string, before, after json.RawMessage, reason string) (ledgerdb.ApprovalRequest, error) {
	if typeKey == "" || makerStaffID == "" {
		return ledgerdb.ApprovalRequest{}, fault.New(fault.CodeMissingRequiredField)
	}
	ar := ledgerdb.ApprovalRequest{
		ID:           uuid.NewString(),
		TypeKey:      typeKey,
		MakerStaffID: makerStaffID,
		State:        ledgerdb.ApprovalPending,
		BeforeJSON:   before,
		AfterJSON:    after,
		Reason:       reason,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateApprovalRequest(ctx, ar); err != nil {
		return ledgerdb.ApprovalRequest{}, err
	}

	ev := events.New(ar.CreatedAt, events.ApprovalRequested, "approval_request", ar.ID)
	ev.ActorType = "STAFF"
	ev.ActorID = makerStaffID
	ev.CorrelationID = ar.ID
	ev.CausationID = ar.ID
	ev.Payload = events.MarshalPayload(map[string]string{"type_key": typeKey, "reason": reason})
	s.append(ctx, ev)

	s.log.Info("approval requested",
		zap.String("approval_id", ar.ID),
		zap.String("type_key", typeKey),
		zap.String("maker", makerStaffID))
	return ar, nil
}

// Decide moves a PENDING request to APPROVED or REJECTED. The checker
// must differ from the maker. Approved overdraft requests activate
// their facility as a side effect.
func (s *Service) Decide(ctx context.Context, id, checkerStaffID string, approve bool) (ledgerdb.ApprovalRequest, error) {
	if id == "" || checkerStaffID == "" {
		return ledgerdb.ApprovalRequest{}, fault.New(fault.CodeMissingRequiredField)
	}
	before, err := s.store.GetApprovalRequest(ctx, id)
	if err != nil {
		if errors.Is(err, ledgerdb.ErrNotFound) {
			return ledgerdb.ApprovalRequest{}, fault.Newf(fault.CodeNotFound, "approval request %s does not exist", id)
		}
		return ledgerdb.ApprovalRequest{}, err
	}
	if before.MakerStaffID == checkerStaffID {
		return ledgerdb.ApprovalRequest{}, fault.Wrap(fault.CodeMissingRequiredField,
			"checker must differ from maker", ledgerdb.ErrSameMakerChecker)
	}

	state := ledgerdb.ApprovalRejected
	if approve {
		state = ledgerdb.ApprovalApproved
	}
	decidedAt := s.now().UTC()
	if err := s.store.DecideApprovalRequest(ctx, id, checkerStaffID, state, decidedAt); err != nil {
		switch {
		case errors.Is(err, ledgerdb.ErrSameMakerChecker):
			return ledgerdb.ApprovalRequest{}, fault.Wrap(fault.CodeMissingRequiredField, "checker must differ from maker", err)
		case errors.Is(err, ledgerdb.ErrNotPending):
			return ledgerdb.ApprovalRequest{}, fault.Wrap(fault.CodeDuplicateIdempotencyConflict, "request already decided", err)
		}
		return ledgerdb.ApprovalRequest{}, err
	}

	after := before
	after.CheckerStaffID = checkerStaffID
	after.State = state
	after.DecidedAt = decidedAt

	beforeJSON, _ := json.Marshal(map[string]string{"state": string(before.State)})
	afterJSON, _ := json.Marshal(map[string]string{"state": string(state), "checker_staff_id": checkerStaffID})
	audit := events.NewAudit(decidedAt, "APPROVAL_"+string(state), "STAFF", checkerStaffID, "approval_request", id)
	audit.Before = beforeJSON
	audit.After = afterJSON
	audit.CorrelationID = id
	if err := s.store.AppendAudit(ctx, audit); err != nil {
		s.log.Warn("append approval audit", zap.Error(err))
	}

	ev := events.New(decidedAt, events.ApprovalDecided, "approval_request", id)
	ev.ActorType = "STAFF"
	ev.ActorID = checkerStaffID
	ev.CorrelationID = id
	ev.CausationID = id
	ev.Payload = events.MarshalPayload(map[string]string{
		"type_key": before.TypeKey,
		"state":    string(state),
	})
	s.append(ctx, ev)

	if approve {
		switch before.TypeKey {
		case TypeOverdraftRequest:
			s.activateOverdraft(ctx, after)
		case TypeFeeMatrixChange:
			s.applyFeeMatrix(ctx, after)
		}
	}

	s.log.Info("approval decided",
		zap.String("approval_id", id),
		zap.String("state", string(state)),
		zap.String("checker", checkerStaffID))
	return after, nil
}

// overdraftTarget is the after_json shape of an overdraft request.
type overdraftTarget struct {
	FacilityID string `json:"facility_id"`
	AccountID  string `json:"account_id"`
}

// RequestOverdraft stores a PENDING facility and opens the approval
// request that will activate it.
func (s *Service) RequestOverdraft(ctx context.Context, makerStaffID string, facility journal.OverdraftFacility, reason string) (ledgerdb.ApprovalRequest, error) {
	if facility.ID == "" {
		facility.ID = uuid.NewString()
	}
	facility.State = journal.OverdraftPending
	facility.CreatedAt = s.now().UTC()
	if err := s.store.CreateOverdraftFacility(ctx, facility); err != nil {
		return ledgerdb.ApprovalRequest{}, err
	}
	after, _ := json.Marshal(overdraftTarget{FacilityID: facility.ID, AccountID: facility.AccountID})
	return s.CreateRequest(ctx, TypeOverdraftRequest, makerStaffID, nil, after, reason)
}

// activateOverdraft flips the facility named by an approved overdraft
// request to ACTIVE. Failures log; the approval itself stands and the
// facility can be activated by hand.
func (s *Service) activateOverdraft(ctx context.Context, ar ledgerdb.ApprovalRequest) {
	var target overdraftTarget
	if err := json.Unmarshal(ar.AfterJSON, &target); err != nil || target.FacilityID == "" {
		s.log.Error("approved overdraft request names no facility", zap.String("approval_id", ar.ID))
		return
	}
	if err := s.store.UpdateOverdraftState(ctx, target.FacilityID, journal.OverdraftActive); err != nil {
		s.log.Error("activate overdraft facility",
			zap.String("facility_id", target.FacilityID), zap.Error(err))
		return
	}
	ev := events.New(s.now().UTC(), events.OverdraftActivated, "overdraft_facility", target.FacilityID)
	ev.ActorType = "STAFF"
	ev.ActorID = ar.CheckerStaffID
	ev.CorrelationID = ar.ID
	ev.CausationID = ar.ID
	ev.Payload = events.MarshalPayload(target)
	s.append(ctx, ev)
}

// applyFeeMatrix registers the matrix version carried by an approved
// FEE_MATRIX_CHANGE request. Failures log; the approval stands and the
// matrix can be resubmitted under a new version id.
func (s *Service) applyFeeMatrix(ctx context.Context, ar ledgerdb.ApprovalRequest) {
	if s.fees == nil {
		s.log.Warn("fee matrix approved but no schedule is wired", zap.String("approval_id", ar.ID))
		return
	}
	versionID, matrix, err := feesched.DecodeMatrix(ar.AfterJSON)
	if err != nil {
		s.log.Error("approved fee matrix payload is malformed", zap.String("approval_id", ar.ID), zap.Error(err))
		return
	}
	if err := s.fees.Register(versionID, matrix); err != nil {
		s.log.Error("register fee matrix", zap.String("version_id", versionID), zap.Error(err))
		return
	}
	ev := events.New(s.now().UTC(), events.FeeMatrixApplied, "fee_matrix", versionID)
	ev.ActorType = "STAFF"
	ev.ActorID = ar.CheckerStaffID
	ev.CorrelationID = ar.ID
	ev.CausationID = ar.ID
	ev.Payload = ar.AfterJSON
	s.append(ctx, ev)
}

func (s *Service) append(ctx context.Context, ev events.Event) {
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.log.Warn("append event", zap.String("event", ev.Name), zap.Error(err))
		return
	}
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
