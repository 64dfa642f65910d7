package integrity

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tidewallet/ledgerd/internal/core/engine"
	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb/sqlite"
)

// env opens a file-backed store plus a second raw connection that plays
// the attacker, editing rows underneath the store.
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

// post commits n transfers and returns the journal ids in chain order.
func (e *env) post(t *testing.T, n int) []string {
	t.Helper()
	ctx := context.Background()
	for _, a := range []journal.Account{
		{ID: "ext-clearing", OwnerType: "BANK", OwnerID: "bank", Type: journal.AccountBankClearing, Currency: "BBD", CreatedAt: time.Now().UTC()},
		{ID: "wallet-a", OwnerType: "CUSTOMER", OwnerID: "a", Type: journal.AccountWallet, Currency: "BBD", CreatedAt: time.Now().UTC()},
		{ID: "wallet-b", OwnerType: "CUSTOMER", OwnerID: "b", Type: journal.AccountWallet, Currency: "BBD", CreatedAt: time.Now().UTC()},
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

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		receipt, err := e.eng.PostTransaction(ctx, journal.Command{
			IdempotencyKey: fmt.Sprintf("chain-%03d", i),
			CorrelationID:  fmt.Sprintf("corr-%03d", i),
			ActorType:      "SYSTEM",
			ActorID:        "treasury",
			TxnType:        journal.TxnDeposit,
			Currency:       "BBD",
			Entries: []journal.Entry{
				{AccountID: "ext-clearing", EntryType: journal.DR, Amount: money.MustParse("10.00")},
				{AccountID: "wallet-a", EntryType: journal.CR, Amount: money.MustParse("10.00")},
			},
		})
		require.NoError(t, err)
		ids = append(ids, receipt.JournalID)
	}
	return ids
}

func TestVerifyCleanChain(t *testing.T) {
	e := newEnv(t)
	e.post(t, 4)

	v := New(e.store, Options{})
	report, err := v.Verify(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 0, report.Mismatches)

	run, err := e.store.GetReconciliationRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdb.RunCompleted, run.Status)
}

func TestVerifyDetectsTamperedLine(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ids := e.post(t, 4)

	// Inflate one leg of the second journal behind the store's back.
	_, err := e.raw.Exec(
		`UPDATE ledger_lines SET amount = amount + 100 WHERE journal_id = ? AND entry_type = 'CR'`,
		ids[1])
	require.NoError(t, err)

	v := New(e.store, Options{})
	report, err := v.Verify(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Checked)
	// Only the edited journal mismatches; the chain verifies forward
	// from stored hashes, so journals 3 and 4 stay clean.
	require.Equal(t, 1, report.Mismatches)

	findings, err := e.store.ListFindings(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, ids[1], f.AccountID)
	assert.Equal(t, HashMismatch, f.Discrepancy)
	assert.Equal(t, ledgerdb.SeverityCritical, f.Severity)
	assert.Equal(t, ledgerdb.FindingOpen, f.Status)

	evs, err := e.store.ListEventsByCorrelation(ctx, report.RunID)
	require.NoError(t, err)
	var flagged bool
	for _, ev := range evs {
		if ev.Name == events.IntegrityCheckFailed && ev.EntityID == ids[1] {
			flagged = true
		}
	}
	assert.True(t, flagged, "no INTEGRITY_CHECK_FAILED event for the tampered journal")
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ids := e.post(t, 3)

	// Sever the link into the third journal.
	_, err := e.raw.Exec(
		`UPDATE ledger_journals SET prev_hash = 'forged' WHERE id = ?`, ids[2])
	require.NoError(t, err)

	v := New(e.store, Options{})
	report, err := v.Verify(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Mismatches)

	findings, err := e.store.ListFindings(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ids[2], findings[0].AccountID)
}

func TestVerifyDetectsRewrittenCurrency(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ids := e.post(t, 2)

	// The currency participates in the hash preimage; editing it must
	// surface even though lines and amounts are untouched.
	_, err := e.raw.Exec(
		`UPDATE ledger_journals SET currency = 'USD' WHERE id = ?`, ids[0])
	require.NoError(t, err)

	v := New(e.store, Options{})
	report, err := v.Verify(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Mismatches)
}
