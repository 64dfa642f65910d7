// Package repair fixes damaged idempotency metadata after crashes or
// partial migrations. Both operations are forward-only and touch
// idempotency_records and the event stream exclusively; ledger_journals
// and ledger_lines are never written here.
package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/hashing"
	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/metrics"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// DefaultStaleCutoff is how old an IN_PROGRESS record must be before the
// sweeper considers its process dead.
const DefaultStaleCutoff = 5 * time.Minute

var (
	// ErrJournalNotPosted is returned when a repair target journal is not
	// in POSTED state.
	ErrJournalNotPosted = errors.New("journal is not POSTED")
	// ErrRecordExists is returned when backfilling a journal that already
	// has an idempotency record.
	ErrRecordExists = errors.New("idempotency record already exists")
	// ErrNoJournal is returned when a stale record references no journal.
	ErrNoJournal = errors.New("record references no committed journal")
)

// Store is the persistence slice repair uses. Nothing in it can write a
// journal or a line.
type Store interface {
	GetJournal(ctx context.Context, id string) (journal.Journal, error)
	ListLines(ctx context.Context, journalID string) ([]journal.Line, error)
	LookupIdempotencyRecord(ctx context.Context, scopeHash string) (journal.IdempotencyRecord, error)
	InsertIdempotencyRecord(ctx context.Context, rec journal.IdempotencyRecord) error
	UpdateIdempotencyResult(ctx context.Context, recordID, journalID string, resultJSON []byte, status journal.IdempotencyStatus) error
	ListStaleInProgress(ctx context.Context, cutoff time.Time) ([]journal.IdempotencyRecord, error)
	ListEventsByCorrelation(ctx context.Context, correlationID string) ([]events.Event, error)
	AppendEvent(ctx context.Context, ev events.Event) error
}

// Repairer executes the two sanctioned repairs.
type Repairer struct {
	store   Store
	bus     *events.Bus
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// Options tune a Repairer.
type Options struct {
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// New builds a repairer.
func New(store Store, opts Options) *Repairer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Repairer{
		store:   store,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     opts.Logger.Named("repair"),
		now:     opts.Now,
	}
}

// rebuildReceipt reconstructs the receipt a posting would have returned,
// from the journal and its persisted lines.
func rebuildReceipt(j journal.Journal, lines []journal.Line) journal.Receipt {
	entries := make([]journal.ReceiptEntry, len(lines))
	for i, l := range lines {
		entries[i] = journal.ReceiptEntry{
			AccountID: l.AccountID,
			EntryType: string(l.EntryType),
			Amount:    money.Format(l.Amount),
		}
	}
	// The receipt always reads POSTED: that is the state the original
	// caller was owed, even if the journal was later reversed.
	j.State = journal.StatePosted
	return journal.NewReceipt(j, entries)
}

// Backfill creates the missing COMPLETED idempotency record for a
// POSTED journal. The posting scope is recovered from the journal's
// TXN_POSTED event, which carries the initiating actor. It refuses
// non-POSTED journals and journals that already have a record.
func (r *Repairer) Backfill(ctx context.Context, journalID string) (journal.IdempotencyRecord, error) {
	j, err := r.store.GetJournal(ctx, journalID)
	if err != nil {
		return journal.IdempotencyRecord{}, err
	}
	if j.State != journal.StatePosted {
		return journal.IdempotencyRecord{}, fmt.Errorf("backfill %s is %s: %w", journalID, j.State, ErrJournalNotPosted)
	}

	actorType, actorID, err := r.recoverActor(ctx, j)
	if err != nil {
		return journal.IdempotencyRecord{}, err
	}
	scopeHash := hashing.ScopeHash(actorType, actorID, j.TxnType, j.IdempotencyKey)

	if _, err := r.store.LookupIdempotencyRecord(ctx, scopeHash); err == nil {
		return journal.IdempotencyRecord{}, fmt.Errorf("backfill %s: %w", journalID, ErrRecordExists)
	} else if !errors.Is(err, ledgerdb.ErrNotFound) {
		return journal.IdempotencyRecord{}, err
	}

	lines, err := r.store.ListLines(ctx, journalID)
	if err != nil {
		return journal.IdempotencyRecord{}, err
	}
	receipt := rebuildReceipt(j, lines)
	resultJSON, err := receipt.Encode()
	if err != nil {
		return journal.IdempotencyRecord{}, err
	}

	entries := make([]journal.Entry, len(lines))
	for i, l := range lines {
		entries[i] = journal.Entry{AccountID: l.AccountID, EntryType: l.EntryType, Amount: l.Amount}
	}
	now := r.now().UTC()
	rec := journal.IdempotencyRecord{
		ID:          uuid.NewString(),
		ScopeHash:   scopeHash,
		PayloadHash: hashing.PayloadHash(entries, j.Currency, ""),
		JournalID:   j.ID,
		ResultJSON:  resultJSON,
		Status:      journal.IdempotencyCompleted,
		CreatedAt:   now,
		ExpiresAt:   now.Add(journal.RetentionPeriod),
	}
	if err := r.store.InsertIdempotencyRecord(ctx, rec); err != nil {
		return journal.IdempotencyRecord{}, err
	}

	r.emit(ctx, events.RepairExecuted, "idempotency_record", rec.ID, map[string]string{
		"operation":  "backfill",
		"journal_id": j.ID,
		"record_id":  rec.ID,
	})
	r.metrics.ObserveRepair()
	r.log.Info("idempotency record backfilled",
		zap.String("journal_id", j.ID), zap.String("record_id", rec.ID))
	return rec, nil
}

// recoverActor reads the initiating actor off the journal's TXN_POSTED
// event. Without it the scope hash cannot be recomputed and the
// backfill refuses.
func (r *Repairer) recoverActor(ctx context.Context, j journal.Journal) (actorType, actorID string, err error) {
	evs, err := r.store.ListEventsByCorrelation(ctx, j.CorrelationID)
	if err != nil {
		return "", "", err
	}
	for _, ev := range evs {
		if ev.Name == events.TxnPosted && ev.CausationID == j.ID {
			return ev.ActorType, ev.ActorID, nil
		}
	}
	return "", "", fmt.Errorf("backfill %s: no TXN_POSTED event to recover the actor from", j.ID)
}

// SweepReport summarizes one stale sweep.
type SweepReport struct {
	Examined int
	Repaired int
	Refused  int
}

// CompleteStale finds IN_PROGRESS records older than cutoff and, when
// the referenced journal exists and is POSTED, completes them with a
// rebuilt receipt. Records whose journal is absent or not POSTED are
// refused and left untouched.
func (r *Repairer) CompleteStale(ctx context.Context, cutoff time.Time) (SweepReport, error) {
	records, err := r.store.ListStaleInProgress(ctx, cutoff)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, rec := range records {
		report.Examined++
		if err := r.completeOne(ctx, rec); err != nil {
			report.Refused++
			r.log.Warn("stale record refused",
				zap.String("record_id", rec.ID), zap.Error(err))
			continue
		}
		report.Repaired++
	}
	if report.Examined > 0 {
		r.log.Info("stale sweep finished",
			zap.Int("examined", report.Examined),
			zap.Int("repaired", report.Repaired),
			zap.Int("refused", report.Refused))
	}
	return report, nil
}

func (r *Repairer) completeOne(ctx context.Context, rec journal.IdempotencyRecord) error {
	if rec.JournalID == "" {
		return fmt.Errorf("record %s: %w", rec.ID, ErrNoJournal)
	}
	j, err := r.store.GetJournal(ctx, rec.JournalID)
	if err != nil {
		if errors.Is(err, ledgerdb.ErrNotFound) {
			return fmt.Errorf("record %s: %w", rec.ID, ErrNoJournal)
		}
		return err
	}
	if j.State != journal.StatePosted {
		return fmt.Errorf("record %s journal %s is %s: %w", rec.ID, j.ID, j.State, ErrJournalNotPosted)
	}

	// A stale record may carry a partial result; rewrite it from ledger
	// truth with state POSTED.
	lines, err := r.store.ListLines(ctx, j.ID)
	if err != nil {
		return err
	}
	resultJSON, err := rebuildReceipt(j, lines).Encode()
	if err != nil {
		return err
	}
	if err := r.store.UpdateIdempotencyResult(ctx, rec.ID, j.ID, resultJSON, journal.IdempotencyCompleted); err != nil {
		return err
	}

	r.emit(ctx, events.StateRepaired, "idempotency_record", rec.ID, map[string]string{
		"operation":  "complete_stale",
		"journal_id": j.ID,
		"record_id":  rec.ID,
	})
	r.metrics.ObserveRepair()
	return nil
}

func (r *Repairer) emit(ctx context.Context, name, entityType, entityID string, payload map[string]string) {
	ev := events.New(r.now().UTC(), name, entityType, entityID)
	ev.ActorType = "SYSTEM"
	ev.ActorID = "repair"
	ev.CorrelationID = uuid.NewString()
	ev.CausationID = entityID
	ev.Payload = events.MarshalPayload(payload)
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.log.Warn("append repair event", zap.Error(err))
		return
	}
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
