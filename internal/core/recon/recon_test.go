package recon

import (
	"context"
	"database/sql"
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

// env opens a file-backed store so the test can tamper with rows over a
// second raw connection, the way drift actually arrives: outside the
// posting path.
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

func (e *env) seed(t *testing.T, wallet, amount string) {
	t.Helper()
	ctx := context.Background()
	for _, a := range []journal.Account{
		{ID: "ext-clearing", OwnerType: "BANK", OwnerID: "bank", Type: journal.AccountBankClearing, Currency: "BBD", CreatedAt: time.Now().UTC()},
		{ID: wallet, OwnerType: "CUSTOMER", OwnerID: wallet, Type: journal.AccountWallet, Currency: "BBD", CreatedAt: time.Now().UTC()},
	} {
		if _, err := e.store.GetAccount(ctx, a.ID); err == nil {
			continue
		}
		require.NoError(t, e.store.CreateAccount(ctx, a))
	}
	if _, err := e.store.GetActiveOverdraft(ctx, "ext-clearing", time.Now()); err != nil {
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
	_, err := e.eng.PostTransaction(ctx, journal.Command{
		IdempotencyKey: "seed-" + wallet,
		CorrelationID:  "corr-seed-" + wallet,
		ActorType:      "SYSTEM",
		ActorID:        "treasury",
		TxnType:        journal.TxnDeposit,
		Currency:       "BBD",
		Entries: []journal.Entry{
			{AccountID: "ext-clearing", EntryType: journal.DR, Amount: money.MustParse(amount)},
			{AccountID: wallet, EntryType: journal.CR, Amount: money.MustParse(amount)},
		},
	})
	require.NoError(t, err)
}

func (e *env) driftBalance(t *testing.T, account, amount string) {
	t.Helper()
	_, err := e.raw.Exec(
		`UPDATE wallet_balances SET balance_cents = ? WHERE account_id = ?`,
		money.MustParse(amount).Cents(), account)
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		amount string
		want   ledgerdb.Severity
	}{
		{"0.50", ledgerdb.SeverityLow},
		{"-0.99", ledgerdb.SeverityLow},
		{"1.00", ledgerdb.SeverityMedium},
		{"-5.00", ledgerdb.SeverityMedium},
		{"99.99", ledgerdb.SeverityMedium},
		{"100.00", ledgerdb.SeverityHigh},
		{"999.99", ledgerdb.SeverityHigh},
		{"1000.00", ledgerdb.SeverityCritical},
		{"-2500.00", ledgerdb.SeverityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(money.MustParse(tc.amount)), "discrepancy %s", tc.amount)
	}
}

func TestRunCleanLedger(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "wallet-a", "100.00")

	r := New(e.store, Options{})
	run, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ledgerdb.RunCompleted, run.Status)
	assert.Equal(t, 0, run.MismatchesFound)
	assert.GreaterOrEqual(t, run.AccountsChecked, 2)

	findings, err := e.store.ListFindings(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestRunRecordsDriftAsFinding(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, "wallet-a", "100.00")
	// Ledger truth stays 100.00; the materialized row drifts to 95.00.
	e.driftBalance(t, "wallet-a", "95.00")

	r := New(e.store, Options{})
	run, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledgerdb.RunCompleted, run.Status)
	assert.Equal(t, 1, run.MismatchesFound)

	findings, err := e.store.ListFindings(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, "wallet-a", f.AccountID)
	assert.Equal(t, "BBD", f.Currency)
	assert.Equal(t, "100.00", f.ExpectedBalance)
	assert.Equal(t, "95.00", f.ActualBalance)
	assert.Equal(t, "5.00", f.Discrepancy)
	assert.Equal(t, ledgerdb.SeverityMedium, f.Severity)
	assert.Equal(t, ledgerdb.FindingOpen, f.Status)

	// A mismatch event carries the run as correlation.
	evs, err := e.store.ListEventsByCorrelation(ctx, run.ID)
	require.NoError(t, err)
	var found bool
	for _, ev := range evs {
		if ev.Name == events.ReconciliationMismatch && ev.EntityID == "wallet-a" {
			found = true
		}
	}
	assert.True(t, found, "no RECONCILIATION_MISMATCH event for wallet-a")

	// Reconciliation never repairs: the drifted row stands.
	row, err := e.store.GetBalance(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, "95.00", money.Format(row.Cents))
}

func TestRunSeverityScalesWithDrift(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, "wallet-a", "5000.00")
	e.driftBalance(t, "wallet-a", "3000.00")

	r := New(e.store, Options{Parallelism: 2})
	run, err := r.Run(ctx)
	require.NoError(t, err)

	findings, err := e.store.ListFindings(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ledgerdb.SeverityCritical, findings[0].Severity)
	assert.Equal(t, "2000.00", findings[0].Discrepancy)
}

func TestRunNegativeDrift(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, "wallet-a", "100.00")
	// Materialized above ledger truth: the discrepancy is negative.
	e.driftBalance(t, "wallet-a", "150.00")

	r := New(e.store, Options{})
	run, err := r.Run(ctx)
	require.NoError(t, err)

	findings, err := e.store.ListFindings(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "-50.00", findings[0].Discrepancy)
	assert.Equal(t, ledgerdb.SeverityMedium, findings[0].Severity)
}
