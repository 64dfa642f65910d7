// Package recon compares computed balances (ledger truth) against the
// materialized wallet_balances rows and records findings for every
// mismatch. Reconciliation only surfaces discrepancies; it never writes
// a balance, whatever the severity.
package recon

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/metrics"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// Severity thresholds in absolute cents.
const (
	criticalThreshold = 100000
	highThreshold     = 10000
	mediumThreshold   = 100
)

// Classify maps an absolute discrepancy onto a severity.
func Classify(discrepancy money.Amount) ledgerdb.Severity {
	abs := discrepancy.Abs()
	switch {
	case abs >= criticalThreshold:
		return ledgerdb.SeverityCritical
	case abs >= highThreshold:
		return ledgerdb.SeverityHigh
	case abs >= mediumThreshold:
		return ledgerdb.SeverityMedium
	default:
		return ledgerdb.SeverityLow
	}
}

// Store is the slice of the persistence surface reconciliation reads
// and the finding/run tables it writes.
type Store interface {
	ListReconAccounts(ctx context.Context) ([]ledgerdb.ReconAccount, error)
	ComputedBalance(ctx context.Context, accountID string) (money.Amount, error)
	CreateReconciliationRun(ctx context.Context, run ledgerdb.Run) error
	UpdateReconciliationRun(ctx context.Context, run ledgerdb.Run) error
	CreateFinding(ctx context.Context, f ledgerdb.Finding) error
	AppendEvent(ctx context.Context, ev events.Event) error
}

// Reconciler runs reconciliation sweeps.
type Reconciler struct {
	store       Store
	bus         *events.Bus
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time
	parallelism int
}

// Options tune a Reconciler.
type Options struct {
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
	Parallelism int
}

// New builds a reconciler.
func New(store Store, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &Reconciler{
		store:       store,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		log:         opts.Logger.Named("recon"),
		now:         opts.Now,
		parallelism: opts.Parallelism,
	}
}

// runSummary is what lands in reconciliation_runs.summary_json.
type runSummary struct {
	AccountsChecked int    `json:"accounts_checked"`
	MismatchesFound int    `json:"mismatches_found"`
	Error           string `json:"error,omitempty"`
}

// Run sweeps every account once. It creates a RUNNING run row up front,
// scans accounts with bounded parallelism, and closes the run COMPLETED
// or FAILED. The returned run reflects the final state.
func (r *Reconciler) Run(ctx context.Context) (ledgerdb.Run, error) {
	run := ledgerdb.Run{
		ID:        uuid.NewString(),
		StartedAt: r.now().UTC(),
		Status:    ledgerdb.RunRunning,
	}
	if err := r.store.CreateReconciliationRun(ctx, run); err != nil {
		return ledgerdb.Run{}, err
	}

	checked, mismatches, scanErr := r.scan(ctx, run.ID)

	run.FinishedAt = r.now().UTC()
	run.AccountsChecked = checked
	run.MismatchesFound = mismatches
	summary := runSummary{AccountsChecked: checked, MismatchesFound: mismatches}
	if scanErr != nil {
		run.Status = ledgerdb.RunFailed
		summary.Error = scanErr.Error()
	} else {
		run.Status = ledgerdb.RunCompleted
	}
	run.SummaryJSON = events.MarshalPayload(summary)

	if err := r.store.UpdateReconciliationRun(ctx, run); err != nil {
		r.log.Error("close reconciliation run", zap.String("run_id", run.ID), zap.Error(err))
		return run, err
	}
	r.log.Info("reconciliation run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("accounts_checked", checked),
		zap.Int("mismatches_found", mismatches))
	return run, scanErr
}

// scan walks all accounts with a bounded worker pool and records a
// finding per mismatch.
func (r *Reconciler) scan(ctx context.Context, runID string) (checked, mismatches int, err error) {
	accounts, err := r.store.ListReconAccounts(ctx)
	if err != nil {
		return 0, 0, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			computed, err := r.store.ComputedBalance(gctx, account.AccountID)
			if err != nil {
				return err
			}
			discrepancy := computed.Sub(account.Materialized)

			mu.Lock()
			checked++
			mu.Unlock()
			if discrepancy.IsZero() {
				return nil
			}

			if err := r.recordMismatch(gctx, runID, account, computed, discrepancy); err != nil {
				return err
			}
			mu.Lock()
			mismatches++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return checked, mismatches, err
}

func (r *Reconciler) recordMismatch(ctx context.Context, runID string, account ledgerdb.ReconAccount, computed, discrepancy money.Amount) error {
	severity := Classify(discrepancy)
	finding := ledgerdb.Finding{
		ID:              uuid.NewString(),
		RunID:           runID,
		AccountID:       account.AccountID,
		Currency:        account.Currency,
		ExpectedBalance: money.Format(computed),
		ActualBalance:   money.Format(account.Materialized),
		Discrepancy:     money.Format(discrepancy),
		Severity:        severity,
		Status:          ledgerdb.FindingOpen,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.store.CreateFinding(ctx, finding); err != nil {
		return err
	}

	ev := events.New(r.now().UTC(), events.ReconciliationMismatch, "account", account.AccountID)
	ev.CorrelationID = runID
	ev.CausationID = finding.ID
	ev.ActorType = "SYSTEM"
	ev.ActorID = "reconciler"
	ev.Payload = events.MarshalPayload(map[string]string{
		"run_id":      runID,
		"account_id":  account.AccountID,
		"currency":    account.Currency,
		"expected":    finding.ExpectedBalance,
		"actual":      finding.ActualBalance,
		"discrepancy": finding.Discrepancy,
		"severity":    string(severity),
	})
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.log.Warn("append mismatch event", zap.Error(err))
	} else if r.bus != nil {
		r.bus.Publish(ev)
	}
	r.metrics.ObserveFinding(string(severity))
	r.log.Warn("balance mismatch",
		zap.String("account_id", account.AccountID),
		zap.String("discrepancy", finding.Discrepancy),
		zap.String("severity", string(severity)))
	return nil
}
