package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/fault"
	"github.com/tidewallet/ledgerd/internal/core/hashing"
	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb/sqlite"
)

type env struct {
	engine *Engine
	store  *sqlite.Store
	bus    *events.Bus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := sqlite.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)

	eng, err := New(store, Options{Bus: bus})
	require.NoError(t, err)
	return &env{engine: eng, store: store, bus: bus}
}

func (e *env) account(t *testing.T, id string, accountType journal.AccountType, currency string) {
	t.Helper()
	require.NoError(t, e.store.CreateAccount(context.Background(), journal.Account{
		ID:        id,
		OwnerType: "TEST",
		OwnerID:   id,
		Type:      accountType,
		Currency:  currency,
		CreatedAt: time.Now().UTC(),
	}))
}

// fund credits a wallet from an external clearing account that carries a
// wide-open overdraft facility, the way float is seeded from the bank.
func (e *env) fund(t *testing.T, wallet, amount string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.store.GetAccount(ctx, "ext-clearing"); err != nil {
		e.account(t, "ext-clearing", journal.AccountBankClearing, "BBD")
		require.NoError(t, e.store.CreateOverdraftFacility(ctx, journal.OverdraftFacility{
			ID:            "od-ext-clearing",
			AccountID:     "ext-clearing",
			LimitCents:    money.MustParse("10000000.00"),
			State:         journal.OverdraftActive,
			EffectiveFrom: time.Now().Add(-time.Hour),
			ExpiresAt:     time.Now().Add(24 * time.Hour),
			CreatedAt:     time.Now().UTC(),
		}))
	}
	_, err := e.engine.PostTransaction(ctx, journal.Command{
		IdempotencyKey: "fund-" + wallet + "-" + amount,
		CorrelationID:  "corr-fund",
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

func (e *env) balance(t *testing.T, account string) string {
	t.Helper()
	row, err := e.store.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return money.Format(row.Cents)
}

func (e *env) journalCount(t *testing.T) int {
	t.Helper()
	count := 0
	require.NoError(t, e.store.IterateJournalsOrdered(context.Background(), time.Time{}, time.Time{},
		func(journal.Journal) error { count++; return nil }))
	return count
}

func p2p(key, from, to, amount string) journal.Command {
	return journal.Command{
		IdempotencyKey: key,
		CorrelationID:  "corr-" + key,
		ActorType:      "CUSTOMER",
		ActorID:        from,
		TxnType:        journal.TxnP2P,
		Currency:       "BBD",
		Entries: []journal.Entry{
			{AccountID: from, EntryType: journal.DR, Amount: money.MustParse(amount)},
			{AccountID: to, EntryType: journal.CR, Amount: money.MustParse(amount)},
		},
	}
}

func TestPostTransactionHappyPath(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-b", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "100.00")

	receipt, err := e.engine.PostTransaction(context.Background(), p2p("k1", "wallet-a", "wallet-b", "30.00"))
	require.NoError(t, err)

	assert.Equal(t, "POSTED", receipt.State)
	assert.Equal(t, "P2P", receipt.TxnType)
	assert.Equal(t, "BBD", receipt.Currency)
	assert.Equal(t, "corr-k1", receipt.CorrelationID)
	assert.NotEmpty(t, receipt.JournalID)
	require.Len(t, receipt.Entries, 2)
	assert.Equal(t, "30.00", receipt.Entries[0].Amount)

	assert.Equal(t, "70.00", e.balance(t, "wallet-a"))
	assert.Equal(t, "30.00", e.balance(t, "wallet-b"))

	// Lines persisted and balanced.
	lines, err := e.store.ListLines(context.Background(), receipt.JournalID)
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	// TXN_POSTED and TXN_COMPLETED share correlation and causation.
	evs, err := e.store.ListEventsByCorrelation(context.Background(), "corr-k1")
	require.NoError(t, err)
	names := make(map[string]string)
	for _, ev := range evs {
		names[ev.Name] = ev.CausationID
	}
	assert.Equal(t, receipt.JournalID, names[events.TxnPosted])
	assert.Equal(t, receipt.JournalID, names[events.TxnCompleted])
}

func TestReplayStorm(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-b", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "1000.00")
	before := e.journalCount(t)

	cmd := p2p("storm-001", "wallet-a", "wallet-b", "50.00")

	const storm = 100
	receipts := make([]journal.Receipt, storm)
	errs := make([]error, storm)
	var wg sync.WaitGroup
	for i := 0; i < storm; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = e.engine.PostTransaction(context.Background(), cmd)
		}(i)
	}
	wg.Wait()

	first, err := json.Marshal(receipts[0])
	require.NoError(t, err)
	for i := 0; i < storm; i++ {
		require.NoError(t, errs[i], "request %d", i)
		got, err := json.Marshal(receipts[i])
		require.NoError(t, err)
		assert.Equal(t, string(first), string(got), "request %d diverged", i)
	}

	assert.Equal(t, before+1, e.journalCount(t), "exactly one journal for the storm")
	assert.Equal(t, "950.00", e.balance(t, "wallet-a"))
}

func TestParallelSpendNeverOverdraws(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-b", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "100.00")
	before := e.journalCount(t)

	const attempts = 50
	var (
		wg        sync.WaitGroup
		successes int32
		mu        sync.Mutex
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.engine.PostTransaction(context.Background(),
				p2p(fmt.Sprintf("spend-%03d", i), "wallet-a", "wallet-b", "3.00"))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, fault.IsCode(err, fault.CodeInsufficientFunds), "unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, int(successes), 33, "more spends than the balance allows")
	assert.Equal(t, before+int(successes), e.journalCount(t), "journals must equal successes")

	row, err := e.store.GetBalance(context.Background(), "wallet-a")
	require.NoError(t, err)
	assert.False(t, row.Cents.IsNegative(), "wallet went negative: %s", money.Format(row.Cents))
}

func TestIdempotencyConflict(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-b", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "500.00")

	_, err := e.engine.PostTransaction(context.Background(), p2p("K", "wallet-a", "wallet-b", "100.00"))
	require.NoError(t, err)
	assert.Equal(t, "400.00", e.balance(t, "wallet-a"))

	// Same key, different payload.
	_, err = e.engine.PostTransaction(context.Background(), p2p("K", "wallet-a", "wallet-b", "200.00"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeDuplicateIdempotencyConflict), "got %v", err)
	assert.Equal(t, "400.00", e.balance(t, "wallet-a"), "conflict must commit nothing")
}

func TestPurgedScopeIsReusableDespiteReceiptCache(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-b", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "500.00")
	ctx := context.Background()

	first, err := e.engine.PostTransaction(ctx, p2p("K", "wallet-a", "wallet-b", "100.00"))
	require.NoError(t, err)

	// Retention expires and the purge removes the record. The receipt
	// cache still holds the old answer; the store must win.
	n, err := e.store.PurgeExpiredIdempotency(ctx, time.Now().UTC().Add(journal.RetentionPeriod+24*time.Hour))
	require.NoError(t, err)
	require.Positive(t, n)

	second, err := e.engine.PostTransaction(ctx, p2p("K", "wallet-a", "wallet-b", "200.00"))
	require.NoError(t, err, "a purged scope must admit a fresh command")
	assert.NotEqual(t, first.JournalID, second.JournalID)
	assert.Equal(t, "200.00", e.balance(t, "wallet-a"))

	// The fresh posting is cached and replayable in its own right.
	replay, err := e.engine.PostTransaction(ctx, p2p("K", "wallet-a", "wallet-b", "200.00"))
	require.NoError(t, err)
	assert.Equal(t, second.JournalID, replay.JournalID)
	assert.Equal(t, "200.00", e.balance(t, "wallet-a"))
}

func TestPayloadHashInvariantUnderReordering(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-b", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "100.00")

	cmd := p2p("reorder", "wallet-a", "wallet-b", "10.00")
	first, err := e.engine.PostTransaction(context.Background(), cmd)
	require.NoError(t, err)

	// Same command with entries swapped is the same payload: a replay.
	swapped := cmd
	swapped.Entries = []journal.Entry{cmd.Entries[1], cmd.Entries[0]}
	second, err := e.engine.PostTransaction(context.Background(), swapped)
	require.NoError(t, err)
	assert.Equal(t, first.JournalID, second.JournalID)
	assert.Equal(t, "90.00", e.balance(t, "wallet-a"))
}

func TestCrossCurrencyRejected(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-usd", journal.AccountWallet, "USD")
	e.fund(t, "wallet-a", "50.00")

	cmd := p2p("xc", "wallet-a", "wallet-usd", "10.00")
	_, err := e.engine.PostTransaction(context.Background(), cmd)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeCrossCurrencyNotAllowed), "got %v", err)

	// The deterministic failure is pinned: an identical replay observes
	// the same answer without re-running validation side effects.
	_, err = e.engine.PostTransaction(context.Background(), cmd)
	assert.True(t, fault.IsCode(err, fault.CodeCrossCurrencyNotAllowed), "got %v", err)
}

func TestUnbalancedRejected(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-b", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "50.00")

	cmd := p2p("unbal", "wallet-a", "wallet-b", "10.00")
	cmd.Entries[1].Amount = money.MustParse("9.00")
	_, err := e.engine.PostTransaction(context.Background(), cmd)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeUnbalancedJournal), "got %v", err)
	assert.Equal(t, "50.00", e.balance(t, "wallet-a"))
}

func TestUnknownAccountRejected(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "50.00")

	_, err := e.engine.PostTransaction(context.Background(), p2p("ghost", "wallet-a", "wallet-ghost", "10.00"))
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeNotFound), "got %v", err)
}

func TestMissingRequiredFields(t *testing.T) {
	e := newEnv(t)
	cmd := p2p("k", "wallet-a", "wallet-b", "10.00")
	cmd.IdempotencyKey = ""
	_, err := e.engine.PostTransaction(context.Background(), cmd)
	assert.True(t, fault.IsCode(err, fault.CodeMissingRequiredField), "got %v", err)

	cmd = p2p("k", "wallet-a", "wallet-b", "10.00")
	cmd.TxnType = "TELEPORT"
	_, err = e.engine.PostTransaction(context.Background(), cmd)
	assert.True(t, fault.IsCode(err, fault.CodeMissingRequiredField), "got %v", err)
}

func TestOverdraftExtendsFunds(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-b", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "50.00")

	// 80.00 debit against 50.00: refused.
	_, err := e.engine.PostTransaction(context.Background(), p2p("od-1", "wallet-a", "wallet-b", "80.00"))
	assert.True(t, fault.IsCode(err, fault.CodeInsufficientFunds), "got %v", err)

	require.NoError(t, e.store.CreateOverdraftFacility(context.Background(), journal.OverdraftFacility{
		ID:            "od-wallet-a",
		AccountID:     "wallet-a",
		LimitCents:    money.MustParse("40.00"),
		State:         journal.OverdraftActive,
		EffectiveFrom: time.Now().Add(-time.Minute),
		ExpiresAt:     time.Now().Add(time.Hour),
		CreatedAt:     time.Now().UTC(),
	}))

	// 50.00 + 40.00 covers 80.00.
	_, err = e.engine.PostTransaction(context.Background(), p2p("od-2", "wallet-a", "wallet-b", "80.00"))
	require.NoError(t, err)
	assert.Equal(t, "-30.00", e.balance(t, "wallet-a"))
}

func TestHashChainLinkage(t *testing.T) {
	e := newEnv(t)
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-b", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "100.00")
	for i := 0; i < 3; i++ {
		_, err := e.engine.PostTransaction(context.Background(),
			p2p(fmt.Sprintf("chain-%d", i), "wallet-a", "wallet-b", "5.00"))
		require.NoError(t, err)
	}

	prev := ""
	require.NoError(t, e.store.IterateJournalsOrdered(context.Background(), time.Time{}, time.Time{},
		func(j journal.Journal) error {
			assert.Equal(t, prev, j.PrevHash, "journal %s breaks the chain", j.ID)
			lines, err := e.store.ListLines(context.Background(), j.ID)
			require.NoError(t, err)
			assert.Equal(t, j.Hash, hashing.JournalHashFromLines(j.PrevHash, j, lines))
			prev = j.Hash
			return nil
		}))
}

func TestReverseJournal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.account(t, "wallet-a", journal.AccountWallet, "BBD")
	e.account(t, "wallet-b", journal.AccountWallet, "BBD")
	e.fund(t, "wallet-a", "100.00")

	receipt, err := e.engine.PostTransaction(ctx, p2p("orig", "wallet-a", "wallet-b", "40.00"))
	require.NoError(t, err)
	require.Equal(t, "60.00", e.balance(t, "wallet-a"))

	target, _ := json.Marshal(map[string]string{"journal_id": receipt.JournalID})
	require.NoError(t, e.store.CreateApprovalRequest(ctx, ledgerdb.ApprovalRequest{
		ID:           "appr-1",
		TypeKey:      ApprovalTypeReversal,
		MakerStaffID: "staff-maker",
		State:        ledgerdb.ApprovalPending,
		AfterJSON:    target,
		Reason:       "customer dispute",
		CreatedAt:    time.Now().UTC(),
	}))
	require.NoError(t, e.store.DecideApprovalRequest(ctx, "appr-1", "staff-checker",
		ledgerdb.ApprovalApproved, time.Now().UTC()))

	// Reversal without approval is refused.
	_, err = e.engine.ReverseJournal(ctx, ReversalCommand{
		JournalID:      receipt.JournalID,
		ApprovalID:     "appr-missing",
		IdempotencyKey: "rev-bad",
		ActorType:      "STAFF",
		ActorID:        "staff-ops",
	})
	require.Error(t, err)

	rev, err := e.engine.ReverseJournal(ctx, ReversalCommand{
		JournalID:      receipt.JournalID,
		ApprovalID:     "appr-1",
		IdempotencyKey: "rev-1",
		CorrelationID:  "corr-rev",
		ActorType:      "STAFF",
		ActorID:        "staff-ops",
		Reason:         "customer dispute",
	})
	require.NoError(t, err)
	assert.Equal(t, "REVERSAL", rev.TxnType)

	// Reversal nets both wallets back to their pre-transfer balances.
	assert.Equal(t, "100.00", e.balance(t, "wallet-a"))
	assert.Equal(t, "0.00", e.balance(t, "wallet-b"))

	original, err := e.store.GetJournal(ctx, receipt.JournalID)
	require.NoError(t, err)
	assert.Equal(t, journal.StateReversed, original.State)

	// A second reversal of the same journal is refused.
	_, err = e.engine.ReverseJournal(ctx, ReversalCommand{
		JournalID:      receipt.JournalID,
		ApprovalID:     "appr-1",
		IdempotencyKey: "rev-2",
		ActorType:      "STAFF",
		ActorID:        "staff-ops",
	})
	require.Error(t, err)
}
