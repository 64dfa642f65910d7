package approvals

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/fault"
	"github.com/tidewallet/ledgerd/internal/core/feesched"
	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb/sqlite"
)

func newService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, Options{}), store
}

func TestCreateAndApprove(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	ar, err := svc.CreateRequest(ctx, TypeAdjustment, "staff-maker", nil, nil, "till shortfall")
	require.NoError(t, err)
	assert.Equal(t, ledgerdb.ApprovalPending, ar.State)

	decided, err := svc.Decide(ctx, ar.ID, "staff-checker", true)
	require.NoError(t, err)
	assert.Equal(t, ledgerdb.ApprovalApproved, decided.State)
	assert.Equal(t, "staff-checker", decided.CheckerStaffID)

	stored, err := store.GetApprovalRequest(ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdb.ApprovalApproved, stored.State)

	evs, err := store.ListEventsByCorrelation(ctx, ar.ID)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, ev := range evs {
		names[ev.Name] = true
	}
	assert.True(t, names[events.ApprovalRequested])
	assert.True(t, names[events.ApprovalDecided])
}

func TestReject(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	ar, err := svc.CreateRequest(ctx, TypeReversal, "staff-maker", nil, nil, "fat finger")
	require.NoError(t, err)

	decided, err := svc.Decide(ctx, ar.ID, "staff-checker", false)
	require.NoError(t, err)
	assert.Equal(t, ledgerdb.ApprovalRejected, decided.State)

	stored, err := store.GetApprovalRequest(ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdb.ApprovalRejected, stored.State)
}

func TestMakerCannotCheck(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	ar, err := svc.CreateRequest(ctx, TypeReversal, "staff-one", nil, nil, "dispute")
	require.NoError(t, err)

	_, err = svc.Decide(ctx, ar.ID, "staff-one", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgerdb.ErrSameMakerChecker)

	stored, err := store.GetApprovalRequest(ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdb.ApprovalPending, stored.State, "a refused decision must not move the request")
}

func TestDecideTwiceRefused(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	ar, err := svc.CreateRequest(ctx, TypeFeeMatrixChange, "staff-maker", nil, nil, "new tariff")
	require.NoError(t, err)
	_, err = svc.Decide(ctx, ar.ID, "staff-checker", true)
	require.NoError(t, err)

	_, err = svc.Decide(ctx, ar.ID, "staff-other", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgerdb.ErrNotPending)
}

func TestDecideUnknownRequest(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Decide(context.Background(), "no-such-request", "staff-checker", true)
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.CodeNotFound), "got %v", err)
}

func TestOverdraftActivationOnApproval(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAccount(ctx, journal.Account{
		ID:        "agent-float",
		OwnerType: "AGENT",
		OwnerID:   "agent-1",
		Type:      journal.AccountCashFloat,
		Currency:  "BBD",
		CreatedAt: time.Now().UTC(),
	}))

	ar, err := svc.RequestOverdraft(ctx, "staff-maker", journal.OverdraftFacility{
		AccountID:     "agent-float",
		LimitCents:    money.MustParse("500.00"),
		EffectiveFrom: time.Now().Add(-time.Minute),
		ExpiresAt:     time.Now().Add(30 * 24 * time.Hour),
	}, "seasonal float")
	require.NoError(t, err)

	// PENDING facilities do not extend funds.
	_, err = store.GetActiveOverdraft(ctx, "agent-float", time.Now())
	require.Error(t, err)

	_, err = svc.Decide(ctx, ar.ID, "staff-checker", true)
	require.NoError(t, err)

	facility, err := store.GetActiveOverdraft(ctx, "agent-float", time.Now())
	require.NoError(t, err)
	assert.Equal(t, journal.OverdraftActive, facility.State)
	assert.Equal(t, money.MustParse("500.00"), facility.LimitCents)

	activated, err := store.HasEventWithEntity(ctx, events.OverdraftActivated, facility.ID)
	require.NoError(t, err)
	assert.True(t, activated, "no OVERDRAFT_ACTIVATED event")
}

func TestRejectedOverdraftStaysPending(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	ar, err := svc.RequestOverdraft(ctx, "staff-maker", journal.OverdraftFacility{
		AccountID:     "agent-float",
		LimitCents:    money.MustParse("200.00"),
		EffectiveFrom: time.Now().Add(-time.Minute),
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}, "declined")
	require.NoError(t, err)

	_, err = svc.Decide(ctx, ar.ID, "staff-checker", false)
	require.NoError(t, err)

	_, err = store.GetActiveOverdraft(ctx, "agent-float", time.Now())
	require.Error(t, err, "a rejected facility must never activate")
}

func TestFeeMatrixAppliedOnApproval(t *testing.T) {
	store, err := sqlite.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	fees := feesched.NewSchedule()
	svc := New(store, Options{Fees: fees})
	ctx := context.Background()

	payload := json.RawMessage(`{"version_id":"v2","rules":{"P2P":{"flat":"0.25","basis_points":100}}}`)
	ar, err := svc.CreateRequest(ctx, TypeFeeMatrixChange, "staff-maker", nil, payload, "new pricing")
	require.NoError(t, err)

	// Not registered while pending.
	_, resolveErr := fees.Resolve("v2")
	assert.ErrorIs(t, resolveErr, feesched.ErrVersionNotFound)

	_, err = svc.Decide(ctx, ar.ID, "staff-checker", true)
	require.NoError(t, err)

	charge, err := fees.Charge("v2", journal.TxnP2P, money.MustParse("100.00"))
	require.NoError(t, err)
	assert.Equal(t, "1.25", money.Format(charge))

	evs, err := store.ListEventsByCorrelation(ctx, ar.ID)
	require.NoError(t, err)
	var applied bool
	for _, ev := range evs {
		if ev.Name == events.FeeMatrixApplied {
			applied = true
		}
	}
	assert.True(t, applied)
}

func TestRejectedFeeMatrixNotApplied(t *testing.T) {
	store, err := sqlite.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	fees := feesched.NewSchedule()
	svc := New(store, Options{Fees: fees})
	ctx := context.Background()

	payload := json.RawMessage(`{"version_id":"v3","rules":{}}`)
	ar, err := svc.CreateRequest(ctx, TypeFeeMatrixChange, "staff-maker", nil, payload, "bad pricing")
	require.NoError(t, err)
	_, err = svc.Decide(ctx, ar.ID, "staff-checker", false)
	require.NoError(t, err)

	_, resolveErr := fees.Resolve("v3")
	assert.ErrorIs(t, resolveErr, feesched.ErrVersionNotFound)
}
