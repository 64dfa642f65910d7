// Package engine implements the serialized double-entry posting engine.
// Every posting runs under an exclusive per-scope lock; the hash chain
// is extended inside a short global critical section; the commit of
// journal, lines, balance deltas, events, audit row, and idempotency
// result is a single store transaction. Either all of it becomes
// visible, or none.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/engine/scopelock"
	"github.com/tidewallet/ledgerd/internal/core/fault"
	"github.com/tidewallet/ledgerd/internal/core/hashing"
	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/metrics"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// chainRetries bounds re-reads of the chain tip when a concurrent commit
// moves it between the tip read and the bundle insert. Under the global
// chain section this fires only when an external writer shares the
// database.
const chainRetries = 3

// cachedReceipt pairs a stored receipt with the payload hash it answers,
// so the fast replay path can still detect conflicts.
type cachedReceipt struct {
	payloadHash string
	raw         []byte
}

// Options tune an Engine. Zero values select sane defaults.
type Options struct {
	Locker           scopelock.Locker
	Bus              *events.Bus
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
	Now              func() time.Time
	NewID            func() string
	ReceiptCacheSize int
}

// Engine is the serialized posting engine.
type Engine struct {
	store   ledgerdb.Store
	locks   scopelock.Locker
	bus     *events.Bus
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
	newID   func() string

	// chainMu serializes the tip read and bundle insert; prev_hash
	// linkage is a single global append point.
	chainMu sync.Mutex

	cache *lru.Cache[string, cachedReceipt]
}

// New builds an engine over the given store.
func New(store ledgerdb.Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Locker == nil {
		opts.Locker = scopelock.NewKeyed()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.ReceiptCacheSize <= 0 {
		opts.ReceiptCacheSize = 4096
	}
	cache, err := lru.New[string, cachedReceipt](opts.ReceiptCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: receipt cache: %w", err)
	}
	return &Engine{
		store:   store,
		locks:   opts.Locker,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     opts.Logger.Named("engine"),
		now:     opts.Now,
		newID:   opts.NewID,
		cache:   cache,
	}, nil
}

// PostTransaction posts one balanced journal. Replays of an identical
// command return the stored receipt verbatim; a reused idempotency key
// with a different payload fails with DUPLICATE_IDEMPOTENCY_CONFLICT.
func (e *Engine) PostTransaction(ctx context.Context, cmd journal.Command) (journal.Receipt, error) {
	started := e.now()
	receipt, err := e.post(ctx, cmd)
	if e.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(fault.CodeOf(err))
		}
		e.metrics.ObservePosting(string(cmd.TxnType), outcome, e.now().Sub(started).Seconds())
	}
	return receipt, err
}

func (e *Engine) post(ctx context.Context, cmd journal.Command) (journal.Receipt, error) {
	if err := validateRequired(cmd); err != nil {
		return journal.Receipt{}, err
	}

	scopeHash := hashing.ScopeHash(cmd.ActorType, cmd.ActorID, cmd.TxnType, cmd.IdempotencyKey)
	payloadHash := hashing.PayloadHash(cmd.Entries, cmd.Currency, cmd.Description)

	// Scope serialization: (actor_type, actor_id, currency). Two calls on
	// the same scope never interleave between lookup and commit.
	release, err := e.locks.Acquire(ctx, cmd.ActorType+"|"+cmd.ActorID+"|"+cmd.Currency)
	if err != nil {
		return journal.Receipt{}, fault.Wrap(fault.CodeInternal, "acquire scope lock", err).WithCorrelation(cmd.CorrelationID)
	}
	defer release()

	if cached, ok := e.cache.Get(scopeHash); ok {
		receipt, handled, err := e.replayCached(ctx, cmd, cached, scopeHash, payloadHash)
		if handled {
			return receipt, err
		}
		// The cached record was purged; the scope is free again.
	}

	// Admission: insert the IN_PROGRESS record. The unique scope_hash
	// index is the cross-process gate; losing the race reads back the
	// winner's record.
	record := journal.IdempotencyRecord{
		ID:          e.newID(),
		ScopeHash:   scopeHash,
		PayloadHash: payloadHash,
		Status:      journal.IdempotencyInProgress,
		CreatedAt:   e.now().UTC(),
	}
	record.ExpiresAt = record.CreatedAt.Add(journal.RetentionPeriod)

	if err := e.store.InsertIdempotencyRecord(ctx, record); err != nil {
		if errors.Is(err, ledgerdb.ErrDuplicateScope) {
			return e.replayStored(ctx, cmd, scopeHash, payloadHash)
		}
		return journal.Receipt{}, fault.Wrap(fault.CodeInternal, "admit posting", err).WithCorrelation(cmd.CorrelationID)
	}

	receipt, err := e.validateAndCommit(ctx, cmd, record)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Code.IsClientError() {
			// Deterministic failure: pin it so replays of the identical
			// command observe the same answer.
			e.markFailed(ctx, record.ID, fe)
		}
		return journal.Receipt{}, err
	}
	return receipt, nil
}

// validateAndCommit runs steps 3-9 of the posting algorithm for an
// admitted command.
func (e *Engine) validateAndCommit(ctx context.Context, cmd journal.Command, record journal.IdempotencyRecord) (journal.Receipt, error) {
	if err := e.validateEntries(ctx, cmd); err != nil {
		return journal.Receipt{}, err
	}
	if err := e.checkFunds(ctx, cmd); err != nil {
		return journal.Receipt{}, err
	}
	return e.commit(ctx, cmd, record)
}

func validateRequired(cmd journal.Command) error {
	var missing string
	switch {
	case cmd.IdempotencyKey == "":
		missing = "idempotency_key"
	case cmd.ActorType == "":
		missing = "actor_type"
	case cmd.ActorID == "":
		missing = "actor_id"
	case cmd.Currency == "":
		missing = "currency"
	case len(cmd.Entries) == 0:
		missing = "entries"
	}
	if missing != "" {
		return fault.Newf(fault.CodeMissingRequiredField, "missing required field %s", missing).
			WithCorrelation(cmd.CorrelationID)
	}
	if !cmd.TxnType.Valid() {
		return fault.Newf(fault.CodeMissingRequiredField, "unknown txn_type %q", cmd.TxnType).
			WithCorrelation(cmd.CorrelationID)
	}
	for _, entry := range cmd.Entries {
		if entry.AccountID == "" {
			return fault.New(fault.CodeMissingRequiredField).WithCorrelation(cmd.CorrelationID)
		}
		if !entry.EntryType.Valid() {
			return fault.Newf(fault.CodeMissingRequiredField, "entry for %s has type %q", entry.AccountID, entry.EntryType).
				WithCorrelation(cmd.CorrelationID)
		}
		if !entry.Amount.IsPositive() {
			return fault.Newf(fault.CodeMissingRequiredField, "entry for %s must have a positive amount", entry.AccountID).
				WithCorrelation(cmd.CorrelationID)
		}
	}
	return nil
}

// validateEntries checks account existence, currency uniformity, and
// double-entry balance.
func (e *Engine) validateEntries(ctx context.Context, cmd journal.Command) error {
	seen := make(map[string]bool)
	for _, entry := range cmd.Entries {
		if seen[entry.AccountID] {
			continue
		}
		seen[entry.AccountID] = true
		account, err := e.store.GetAccount(ctx, entry.AccountID)
		if err != nil {
			if errors.Is(err, ledgerdb.ErrNotFound) {
				return fault.Newf(fault.CodeNotFound, "account %s does not exist", entry.AccountID).
					WithCorrelation(cmd.CorrelationID)
			}
			return fault.Wrap(fault.CodeInternal, "load account", err).WithCorrelation(cmd.CorrelationID)
		}
		if account.Currency != cmd.Currency {
			return fault.Newf(fault.CodeCrossCurrencyNotAllowed,
				"account %s is %s, command is %s", entry.AccountID, account.Currency, cmd.Currency).
				WithCorrelation(cmd.CorrelationID)
		}
	}

	var dr, cr money.Amount
	for _, entry := range cmd.Entries {
		if entry.EntryType == journal.DR {
			dr = dr.Add(entry.Amount)
		} else {
			cr = cr.Add(entry.Amount)
		}
	}
	if dr != cr {
		return fault.Newf(fault.CodeUnbalancedJournal, "DR %s != CR %s", money.Format(dr), money.Format(cr)).
			WithCorrelation(cmd.CorrelationID)
	}
	return nil
}

// checkFunds enforces overdraft-aware sufficient funds on every debited
// account. A missing balance row or facility reads as zero; real store
// errors propagate.
func (e *Engine) checkFunds(ctx context.Context, cmd journal.Command) error {
	required := make(map[string]money.Amount)
	for _, entry := range cmd.Entries {
		if entry.EntryType == journal.DR {
			required[entry.AccountID] = required[entry.AccountID].Add(entry.Amount)
		}
	}
	now := e.now().UTC()
	for accountID, debit := range required {
		var balance money.Amount
		row, err := e.store.GetBalance(ctx, accountID)
		switch {
		case err == nil:
			balance = row.Cents
		case errors.Is(err, ledgerdb.ErrNotFound):
			// Never written: zero.
		default:
			return fault.Wrap(fault.CodeInternal, "read balance", err).WithCorrelation(cmd.CorrelationID)
		}

		var limit money.Amount
		facility, err := e.store.GetActiveOverdraft(ctx, accountID, now)
		switch {
		case err == nil:
			limit = facility.LimitCents
		case errors.Is(err, ledgerdb.ErrNotFound):
			// No facility: zero limit.
		default:
			return fault.Wrap(fault.CodeInternal, "read overdraft facility", err).WithCorrelation(cmd.CorrelationID)
		}

		if balance.Add(limit) < debit {
			return fault.Newf(fault.CodeInsufficientFunds,
				"account %s has %s (+%s overdraft), needs %s",
				accountID, money.Format(balance), money.Format(limit), money.Format(debit)).
				WithCorrelation(cmd.CorrelationID)
		}
	}
	return nil
}

// commit extends the hash chain and writes the whole posting bundle
// atomically.
func (e *Engine) commit(ctx context.Context, cmd journal.Command, record journal.IdempotencyRecord) (journal.Receipt, error) {
	e.chainMu.Lock()
	defer e.chainMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < chainRetries; attempt++ {
		prevHash, err := e.store.LatestJournalHash(ctx)
		if err != nil {
			return journal.Receipt{}, fault.Wrap(fault.CodeInternal, "read chain tip", err).WithCorrelation(cmd.CorrelationID)
		}

		bundle, receipt := e.buildBundle(cmd, record, prevHash)
		err = e.store.InsertJournalBundle(ctx, bundle)
		if err == nil {
			e.finish(bundle, record, receipt)
			return receipt, nil
		}
		if errors.Is(err, ledgerdb.ErrChainConflict) {
			lastErr = err
			continue
		}
		return journal.Receipt{}, fault.Wrap(fault.CodeInternal, "commit posting", err).WithCorrelation(cmd.CorrelationID)
	}
	return journal.Receipt{}, fault.Wrap(fault.CodeInternal, "chain tip kept moving", lastErr).WithCorrelation(cmd.CorrelationID)
}

// buildBundle assembles the journal, lines, balance deltas, events,
// audit row, receipt, and the idempotency finalization for one commit
// attempt.
func (e *Engine) buildBundle(cmd journal.Command, record journal.IdempotencyRecord, prevHash string) (ledgerdb.Bundle, journal.Receipt) {
	now := e.now().UTC()
	journalID := e.newID()

	lines := make([]journal.Line, len(cmd.Entries))
	hashLines := make([]hashing.LineInput, len(cmd.Entries))
	receiptEntries := make([]journal.ReceiptEntry, len(cmd.Entries))
	deltas := make(map[string]money.Amount)
	for i, entry := range cmd.Entries {
		lines[i] = journal.Line{
			ID:        e.newID(),
			JournalID: journalID,
			AccountID: entry.AccountID,
			EntryType: entry.EntryType,
			Amount:    entry.Amount,
			CreatedAt: now,
		}
		hashLines[i] = hashing.LineInput{AccountID: entry.AccountID, EntryType: entry.EntryType, Amount: entry.Amount}
		receiptEntries[i] = journal.ReceiptEntry{
			AccountID:   entry.AccountID,
			EntryType:   string(entry.EntryType),
			Amount:      money.Format(entry.Amount),
			Description: entry.Description,
		}
		if entry.EntryType == journal.CR {
			deltas[entry.AccountID] = deltas[entry.AccountID].Add(entry.Amount)
		} else {
			deltas[entry.AccountID] = deltas[entry.AccountID].Sub(entry.Amount)
		}
	}

	j := journal.Journal{
		ID:               journalID,
		TxnType:          cmd.TxnType,
		Currency:         cmd.Currency,
		CorrelationID:    cmd.CorrelationID,
		IdempotencyKey:   cmd.IdempotencyKey,
		State:            journal.StatePosted,
		InitiatorActorID: cmd.ActorID,
		PrevHash:         prevHash,
		CreatedAt:        now,
	}
	j.Hash = hashing.JournalHash(prevHash, journalID, cmd.Currency, cmd.TxnType, hashLines)

	balanceDeltas := make([]journal.BalanceDelta, 0, len(deltas))
	for _, line := range lines {
		// Emit one delta per account, in line order, skipping repeats.
		if _, pending := deltas[line.AccountID]; !pending {
			continue
		}
		balanceDeltas = append(balanceDeltas, journal.BalanceDelta{
			AccountID: line.AccountID,
			Currency:  cmd.Currency,
			Delta:     deltas[line.AccountID],
		})
		delete(deltas, line.AccountID)
	}

	receipt := journal.NewReceipt(j, receiptEntries)
	resultJSON, _ := receipt.Encode()

	eventPayload := events.MarshalPayload(map[string]interface{}{
		"journal_id": journalID,
		"txn_type":   string(cmd.TxnType),
		"currency":   cmd.Currency,
	})
	posted := events.New(now, events.TxnPosted, "journal", journalID)
	posted.CorrelationID = cmd.CorrelationID
	posted.CausationID = journalID
	posted.ActorType = cmd.ActorType
	posted.ActorID = cmd.ActorID
	posted.Payload = eventPayload

	completed := events.New(now, events.TxnCompleted, "journal", journalID)
	completed.CorrelationID = cmd.CorrelationID
	completed.CausationID = journalID
	completed.ActorType = cmd.ActorType
	completed.ActorID = cmd.ActorID
	completed.Payload = eventPayload

	audit := events.NewAudit(now, string(cmd.TxnType)+"_POSTED", cmd.ActorType, cmd.ActorID, "journal", journalID)
	audit.CorrelationID = cmd.CorrelationID
	audit.After = json.RawMessage(resultJSON)

	bundle := ledgerdb.Bundle{
		Journal:       j,
		Lines:         lines,
		BalanceDeltas: balanceDeltas,
		Events:        []events.Event{posted, completed},
		Audit:         []events.AuditEntry{audit},
		Idempotency: &ledgerdb.IdempotencyFinalize{
			RecordID:   record.ID,
			JournalID:  journalID,
			ResultJSON: resultJSON,
			Status:     journal.IdempotencyCompleted,
		},
	}
	return bundle, receipt
}

// finish runs the post-commit side channel: receipt cache, live event
// fan-out, logging.
func (e *Engine) finish(bundle ledgerdb.Bundle, record journal.IdempotencyRecord, receipt journal.Receipt) {
	if raw, err := receipt.Encode(); err == nil {
		e.cache.Add(record.ScopeHash, cachedReceipt{payloadHash: record.PayloadHash, raw: raw})
	}
	if e.bus != nil {
		for _, ev := range bundle.Events {
			e.bus.Publish(ev)
		}
	}
	e.log.Info("posting committed",
		zap.String("journal_id", bundle.Journal.ID),
		zap.String("txn_type", string(bundle.Journal.TxnType)),
		zap.String("correlation_id", bundle.Journal.CorrelationID))
}

// replayCached answers from the in-memory receipt cache. A payload
// mismatch is never decided from the cache alone: the record may have
// been purged since the entry was added, so the store gets the final
// word. handled=false means the scope has no record and admission
// proceeds.
func (e *Engine) replayCached(ctx context.Context, cmd journal.Command, cached cachedReceipt, scopeHash, payloadHash string) (journal.Receipt, bool, error) {
	if cached.payloadHash == payloadHash {
		receipt, err := journal.DecodeReceipt(cached.raw)
		if err != nil {
			return journal.Receipt{}, true, fault.Wrap(fault.CodeInternal, "decode cached receipt", err).WithCorrelation(cmd.CorrelationID)
		}
		e.metrics.ObserveReplay()
		return receipt, true, nil
	}

	e.cache.Remove(scopeHash)
	record, err := e.store.LookupIdempotencyRecord(ctx, scopeHash)
	if errors.Is(err, ledgerdb.ErrNotFound) {
		return journal.Receipt{}, false, nil
	}
	if err != nil {
		return journal.Receipt{}, true, fault.Wrap(fault.CodeInternal, "lookup idempotency record", err).WithCorrelation(cmd.CorrelationID)
	}
	receipt, rerr := e.resolveRecord(cmd, scopeHash, payloadHash, record)
	return receipt, true, rerr
}

// replayStored resolves a command whose scope already has a record:
// idempotent replay, in-progress collision, stored failure, or payload
// conflict.
func (e *Engine) replayStored(ctx context.Context, cmd journal.Command, scopeHash, payloadHash string) (journal.Receipt, error) {
	record, err := e.store.LookupIdempotencyRecord(ctx, scopeHash)
	if err != nil {
		return journal.Receipt{}, fault.Wrap(fault.CodeInternal, "lookup idempotency record", err).WithCorrelation(cmd.CorrelationID)
	}
	return e.resolveRecord(cmd, scopeHash, payloadHash, record)
}

// resolveRecord maps an existing idempotency record onto the command's
// outcome: replay, stored failure, in-progress collision, or conflict.
func (e *Engine) resolveRecord(cmd journal.Command, scopeHash, payloadHash string, record journal.IdempotencyRecord) (journal.Receipt, error) {
	if record.PayloadHash != payloadHash {
		return journal.Receipt{}, fault.New(fault.CodeDuplicateIdempotencyConflict).WithCorrelation(cmd.CorrelationID)
	}
	switch record.Status {
	case journal.IdempotencyCompleted:
		receipt, err := journal.DecodeReceipt(record.ResultJSON)
		if err != nil {
			return journal.Receipt{}, fault.Wrap(fault.CodeInternal, "decode stored receipt", err).WithCorrelation(cmd.CorrelationID)
		}
		e.cache.Add(scopeHash, cachedReceipt{payloadHash: payloadHash, raw: record.ResultJSON})
		e.metrics.ObserveReplay()
		return receipt, nil
	case journal.IdempotencyFailed:
		return journal.Receipt{}, decodeStoredFailure(record.ResultJSON).WithCorrelation(cmd.CorrelationID)
	default:
		return journal.Receipt{}, fault.New(fault.CodeIdempotencyInProgress).WithCorrelation(cmd.CorrelationID)
	}
}

// storedFailure is the result_json shape for FAILED records.
type storedFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeStoredFailure(raw []byte) *fault.Error {
	var sf storedFailure
	if err := json.Unmarshal(raw, &sf); err != nil || sf.Code == "" {
		return fault.New(fault.CodeInternal)
	}
	return &fault.Error{Code: fault.Code(sf.Code), Message: sf.Message}
}

// markFailed pins a deterministic failure on the admission record so
// identical replays observe it. Best effort: a failure to pin only
// costs the replay determinism, not correctness.
func (e *Engine) markFailed(ctx context.Context, recordID string, fe *fault.Error) {
	raw, err := json.Marshal(storedFailure{Code: string(fe.Code), Message: fe.Message})
	if err != nil {
		raw = []byte(`{"code":"INTERNAL_ERROR"}`)
	}
	if err := e.store.UpdateIdempotencyResult(ctx, recordID, "", raw, journal.IdempotencyFailed); err != nil {
		e.log.Warn("pin failed posting", zap.String("record_id", recordID), zap.Error(err))
	}
}
