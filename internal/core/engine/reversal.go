package engine

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/fault"
	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/templates"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// ApprovalTypeReversal is the maker-checker type key gating reversals.
const ApprovalTypeReversal = "JOURNAL_REVERSAL"

// ReversalCommand asks the engine to reverse a posted journal. It goes
// through the full posting pipeline under its own idempotency key, so
// reversal retries are as safe as posting retries.
type ReversalCommand struct {
	JournalID      string
	ApprovalID     string
	IdempotencyKey string
	CorrelationID  string
	ActorType      string
	ActorID        string
	Reason         string
}

// approvalTarget is the after_json shape of a reversal approval request.
type approvalTarget struct {
	JournalID string `json:"journal_id"`
}

// ReverseJournal posts a REVERSAL journal that swaps every leg of the
// original, then marks the original REVERSED. It requires an APPROVED
// maker-checker request naming the journal.
func (e *Engine) ReverseJournal(ctx context.Context, cmd ReversalCommand) (journal.Receipt, error) {
	if cmd.JournalID == "" || cmd.ApprovalID == "" || cmd.IdempotencyKey == "" {
		return journal.Receipt{}, fault.New(fault.CodeMissingRequiredField).WithCorrelation(cmd.CorrelationID)
	}

	approval, err := e.store.GetApprovalRequest(ctx, cmd.ApprovalID)
	if err != nil {
		if errors.Is(err, ledgerdb.ErrNotFound) {
			return journal.Receipt{}, fault.Newf(fault.CodeNotFound, "approval request %s does not exist", cmd.ApprovalID).
				WithCorrelation(cmd.CorrelationID)
		}
		return journal.Receipt{}, fault.Wrap(fault.CodeInternal, "load approval request", err).WithCorrelation(cmd.CorrelationID)
	}
	if approval.State != ledgerdb.ApprovalApproved || approval.TypeKey != ApprovalTypeReversal {
		return journal.Receipt{}, fault.Newf(fault.CodeMissingRequiredField,
			"approval %s is %s %s, need APPROVED %s", approval.ID, approval.State, approval.TypeKey, ApprovalTypeReversal).
			WithCorrelation(cmd.CorrelationID)
	}
	var target approvalTarget
	if err := json.Unmarshal(approval.AfterJSON, &target); err != nil || target.JournalID != cmd.JournalID {
		return journal.Receipt{}, fault.Newf(fault.CodeMissingRequiredField,
			"approval %s does not name journal %s", approval.ID, cmd.JournalID).
			WithCorrelation(cmd.CorrelationID)
	}

	original, err := e.store.GetJournal(ctx, cmd.JournalID)
	if err != nil {
		if errors.Is(err, ledgerdb.ErrNotFound) {
			return journal.Receipt{}, fault.Newf(fault.CodeNotFound, "journal %s does not exist", cmd.JournalID).
				WithCorrelation(cmd.CorrelationID)
		}
		return journal.Receipt{}, fault.Wrap(fault.CodeInternal, "load journal", err).WithCorrelation(cmd.CorrelationID)
	}
	if original.State != journal.StatePosted {
		return journal.Receipt{}, fault.Newf(fault.CodeDuplicateIdempotencyConflict,
			"journal %s is already %s", original.ID, original.State).
			WithCorrelation(cmd.CorrelationID)
	}

	lines, err := e.store.ListLines(ctx, cmd.JournalID)
	if err != nil {
		return journal.Receipt{}, fault.Wrap(fault.CodeInternal, "load journal lines", err).WithCorrelation(cmd.CorrelationID)
	}

	receipt, err := e.PostTransaction(ctx, journal.Command{
		IdempotencyKey: cmd.IdempotencyKey,
		CorrelationID:  cmd.CorrelationID,
		ActorType:      cmd.ActorType,
		ActorID:        cmd.ActorID,
		TxnType:        journal.TxnReversal,
		Currency:       original.Currency,
		Entries:        templates.ReverseLines(lines),
		Description:    "reversal of " + original.ID,
	})
	if err != nil {
		return journal.Receipt{}, err
	}

	if err := e.store.MarkJournalReversed(ctx, original.ID); err != nil {
		// The reversal journal is committed; the flag is advisory. Leave
		// it to a re-run rather than failing a posted reversal.
		e.log.Error("mark journal reversed",
			zap.String("journal_id", original.ID), zap.Error(err))
	}

	now := e.now().UTC()
	reversed := events.New(now, events.TxnReversed, "journal", original.ID)
	reversed.CorrelationID = cmd.CorrelationID
	reversed.CausationID = receipt.JournalID
	reversed.ActorType = cmd.ActorType
	reversed.ActorID = cmd.ActorID
	reversed.Payload = events.MarshalPayload(map[string]string{
		"original_journal_id": original.ID,
		"reversal_journal_id": receipt.JournalID,
		"approval_id":         approval.ID,
		"reason":              cmd.Reason,
	})
	if err := e.store.AppendEvent(ctx, reversed); err != nil {
		e.log.Warn("append reversal event", zap.Error(err))
	} else if e.bus != nil {
		e.bus.Publish(reversed)
	}
	return receipt, nil
}
