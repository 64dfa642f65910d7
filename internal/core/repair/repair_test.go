package repair

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tidewallet/ledgerd/internal/core/engine"
	"github.com/tidewallet/ledgerd/internal/core/hashing"
	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb/sqlite"
)

type env struct {
	store *sqlite.Store
	raw   *sql.DB
	eng   *engine.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := sqlite.Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	eng, err := engine.New(store, engine.Options{})
	require.NoError(t, err)
	return &env{store: store, raw: raw, eng: eng}
}

// post commits one deposit and returns its receipt.
func (e *env) post(t *testing.T, key string) journal.Receipt {
	t.Helper()
	ctx := context.Background()
	if _, err := e.store.GetAccount(ctx, "ext-clearing"); err != nil {
		for _, a := range []journal.Account{
			{ID: "ext-clearing", OwnerType: "BANK", OwnerID: "bank", Type: journal.AccountBankClearing, Currency: "BBD", CreatedAt: time.Now().UTC()},
			{ID: "wallet-a", OwnerType: "CUSTOMER", OwnerID: "a", Type: journal.AccountWallet, Currency: "BBD", CreatedAt: time.Now().UTC()},
		} {
			require.NoError(t, e.store.CreateAccount(ctx, a))
		}
		require.NoError(t, e.store.CreateOverdraftFacility(ctx, journal.OverdraftFacility{
			ID:            "od-ext",
			AccountID:     "ext-clearing",
			LimitCents:    money.MustParse("10000000.00"),
			State:         journal.OverdraftActive,
			EffectiveFrom: time.Now().Add(-time.Hour),
			ExpiresAt:     time.Now().Add(24 * time.Hour),
			CreatedAt:     time.Now().UTC(),
		}))
	}
	receipt, err := e.eng.PostTransaction(ctx, journal.Command{
		IdempotencyKey: key,
		CorrelationID:  "corr-" + key,
		ActorType:      "SYSTEM",
		ActorID:        "treasury",
		TxnType:        journal.TxnDeposit,
		Currency:       "BBD",
		Entries: []journal.Entry{
			{AccountID: "ext-clearing", EntryType: journal.DR, Amount: money.MustParse("25.00")},
			{AccountID: "wallet-a", EntryType: journal.CR, Amount: money.MustParse("25.00")},
		},
	})
	require.NoError(t, err)
	return receipt
}

// degrade rewinds a COMPLETED record to a stale IN_PROGRESS, the shape a
// half-applied migration leaves behind.
func (e *env) degrade(t *testing.T, journalID string, age time.Duration) {
	t.Helper()
	res, err := e.raw.Exec(
		`UPDATE idempotency_records SET status = 'IN_PROGRESS', result_json = NULL, created_at = ?
		  WHERE journal_id = ?`,
		time.Now().Add(-age).UnixNano(), journalID)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestCompleteStale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	receipt := e.post(t, "stale-1")
	e.degrade(t, receipt.JournalID, 10*time.Minute)

	r := New(e.store, Options{})
	report, err := r.CompleteStale(ctx, time.Now().Add(-DefaultStaleCutoff))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Examined: 1, Repaired: 1}, report)

	// The record is COMPLETED again and its receipt matches ledger truth.
	scope := hashing.ScopeHash("SYSTEM", "treasury", journal.TxnDeposit, "stale-1")
	rec, err := e.store.LookupIdempotencyRecord(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, journal.IdempotencyCompleted, rec.Status)
	assert.Equal(t, receipt.JournalID, rec.JournalID)

	rebuilt, err := journal.DecodeReceipt(rec.ResultJSON)
	require.NoError(t, err)
	assert.Equal(t, receipt.JournalID, rebuilt.JournalID)
	assert.Equal(t, "POSTED", rebuilt.State)
	require.Len(t, rebuilt.Entries, 2)

	repaired, err := e.store.HasEventWithEntity(ctx, events.StateRepaired, rec.ID)
	require.NoError(t, err)
	assert.True(t, repaired, "no STATE_REPAIRED event")
}

func TestCompleteStaleSkipsFresh(t *testing.T) {
	e := newEnv(t)
	receipt := e.post(t, "fresh-1")
	e.degrade(t, receipt.JournalID, time.Minute)

	r := New(e.store, Options{})
	report, err := r.CompleteStale(context.Background(), time.Now().Add(-DefaultStaleCutoff))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report, "a one-minute-old record is not stale")
}

func TestCompleteStaleRefusals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour).UTC()

	// No journal reference at all.
	require.NoError(t, e.store.InsertIdempotencyRecord(ctx, journal.IdempotencyRecord{
		ID:          uuid.NewString(),
		ScopeHash:   hashing.ScopeHash("CUSTOMER", "c1", journal.TxnP2P, "lost"),
		PayloadHash: "p1",
		Status:      journal.IdempotencyInProgress,
		CreatedAt:   old,
		ExpiresAt:   old.Add(journal.RetentionPeriod),
	}))
	// References a journal that does not exist.
	require.NoError(t, e.store.InsertIdempotencyRecord(ctx, journal.IdempotencyRecord{
		ID:          uuid.NewString(),
		ScopeHash:   hashing.ScopeHash("CUSTOMER", "c2", journal.TxnP2P, "ghost"),
		PayloadHash: "p2",
		JournalID:   "no-such-journal",
		Status:      journal.IdempotencyInProgress,
		CreatedAt:   old,
		ExpiresAt:   old.Add(journal.RetentionPeriod),
	}))

	r := New(e.store, Options{})
	report, err := r.CompleteStale(ctx, time.Now().Add(-DefaultStaleCutoff))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Examined: 2, Refused: 2}, report)
}

func TestCompleteStaleRefusesReversedJournal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	receipt := e.post(t, "rev-stale")
	require.NoError(t, e.store.MarkJournalReversed(ctx, receipt.JournalID))
	e.degrade(t, receipt.JournalID, 10*time.Minute)

	r := New(e.store, Options{})
	report, err := r.CompleteStale(ctx, time.Now().Add(-DefaultStaleCutoff))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Examined: 1, Refused: 1}, report)
}

func TestBackfill(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	receipt := e.post(t, "bf-1")

	// Lose the record entirely.
	_, err := e.raw.Exec(`DELETE FROM idempotency_records WHERE journal_id = ?`, receipt.JournalID)
	require.NoError(t, err)

	r := New(e.store, Options{})
	rec, err := r.Backfill(ctx, receipt.JournalID)
	require.NoError(t, err)
	assert.Equal(t, journal.IdempotencyCompleted, rec.Status)
	assert.Equal(t, receipt.JournalID, rec.JournalID)

	// The scope was recovered from the TXN_POSTED event, so the record
	// lands under the original actor's scope hash.
	scope := hashing.ScopeHash("SYSTEM", "treasury", journal.TxnDeposit, "bf-1")
	stored, err := e.store.LookupIdempotencyRecord(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)

	rebuilt, err := journal.DecodeReceipt(stored.ResultJSON)
	require.NoError(t, err)
	assert.Equal(t, "POSTED", rebuilt.State)
	assert.Equal(t, "DEPOSIT", rebuilt.TxnType)

	executed, err := e.store.HasEventWithEntity(ctx, events.RepairExecuted, rec.ID)
	require.NoError(t, err)
	assert.True(t, executed, "no REPAIR_EXECUTED event")
}

func TestBackfillRefusesExistingRecord(t *testing.T) {
	e := newEnv(t)
	receipt := e.post(t, "bf-dup")

	r := New(e.store, Options{})
	_, err := r.Backfill(context.Background(), receipt.JournalID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordExists)
}

func TestBackfillRefusesReversedJournal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	receipt := e.post(t, "bf-rev")
	require.NoError(t, e.store.MarkJournalReversed(ctx, receipt.JournalID))
	_, err := e.raw.Exec(`DELETE FROM idempotency_records WHERE journal_id = ?`, receipt.JournalID)
	require.NoError(t, err)

	r := New(e.store, Options{})
	_, err = r.Backfill(ctx, receipt.JournalID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJournalNotPosted)
}
