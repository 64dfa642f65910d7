package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// CreateReconciliationRun records a run in RUNNING state.
func (s *Store) CreateReconciliationRun(ctx context.Context, run ledgerdb.Run) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_runs
			(id, started_at, finished_at, status, accounts_checked, mismatches_found, summary_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, toNanos(run.StartedAt), nullNanos(run.FinishedAt), string(run.Status),
		run.AccountsChecked, run.MismatchesFound, nullBytes(run.SummaryJSON))
	if err != nil {
		return ledgerdb.NewQueryError("create_reconciliation_run", "insert run", err)
	}
	return nil
}

// UpdateReconciliationRun finalizes a run's status and counters.
func (s *Store) UpdateReconciliationRun(ctx context.Context, run ledgerdb.Run) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reconciliation_runs
			SET finished_at = $1, status = $2, accounts_checked = $3, mismatches_found = $4, summary_json = $5
		  WHERE id = $6`,
		nullNanos(run.FinishedAt), string(run.Status), run.AccountsChecked,
		run.MismatchesFound, nullBytes(run.SummaryJSON), run.ID)
	if err != nil {
		return ledgerdb.NewQueryError("update_reconciliation_run", "update run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledgerdb.NewDataError("update_reconciliation_run", "rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("update_reconciliation_run %s: %w", run.ID, ledgerdb.ErrNotFound)
	}
	return nil
}

// GetReconciliationRun fetches one run by id.
func (s *Store) GetReconciliationRun(ctx context.Context, id string) (ledgerdb.Run, error) {
	if err := s.guard(); err != nil {
		return ledgerdb.Run{}, err
	}
	var (
		run        ledgerdb.Run
		startedNs  int64
		finishedNs sql.NullInt64
		status     string
		summary    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, status, accounts_checked, mismatches_found, summary_json
		   FROM reconciliation_runs WHERE id = $1`, id,
	).Scan(&run.ID, &startedNs, &finishedNs, &status, &run.AccountsChecked, &run.MismatchesFound, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return ledgerdb.Run{}, fmt.Errorf("get_reconciliation_run %s: %w", id, ledgerdb.ErrNotFound)
	}
	if err != nil {
		return ledgerdb.Run{}, ledgerdb.NewQueryError("get_reconciliation_run", "query run", err)
	}
	run.StartedAt = fromNanos(startedNs)
	if finishedNs.Valid {
		run.FinishedAt = fromNanos(finishedNs.Int64)
	}
	run.Status = ledgerdb.RunStatus(status)
	if summary.Valid {
		run.SummaryJSON = []byte(summary.String)
	}
	return run, nil
}

// CreateFinding records one discrepancy.
func (s *Store) CreateFinding(ctx context.Context, f ledgerdb.Finding) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_findings
			(id, run_id, account_id, currency, expected_balance, actual_balance,
			 discrepancy, severity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.RunID, f.AccountID, f.Currency, f.ExpectedBalance, f.ActualBalance,
		f.Discrepancy, string(f.Severity), string(f.Status), toNanos(f.CreatedAt))
	if err != nil {
		return ledgerdb.NewQueryError("create_finding", "insert finding", err)
	}
	return nil
}

// ListFindings returns a run's findings in creation order.
func (s *Store) ListFindings(ctx context.Context, runID string) ([]ledgerdb.Finding, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, account_id, currency, expected_balance, actual_balance,
		        discrepancy, severity, status, created_at
		   FROM reconciliation_findings WHERE run_id = $1
		  ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, ledgerdb.NewQueryError("list_findings", "query findings", err)
	}
	defer rows.Close()

	var out []ledgerdb.Finding
	for rows.Next() {
		var (
			f        ledgerdb.Finding
			severity string
			status   string
			ns       int64
		)
		if err := rows.Scan(&f.ID, &f.RunID, &f.AccountID, &f.Currency, &f.ExpectedBalance,
			&f.ActualBalance, &f.Discrepancy, &severity, &status, &ns); err != nil {
			return nil, ledgerdb.NewDataError("list_findings", "scan finding", err)
		}
		f.Severity = ledgerdb.Severity(severity)
		f.Status = ledgerdb.FindingStatus(status)
		f.CreatedAt = fromNanos(ns)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgerdb.NewQueryError("list_findings", "iterate findings", err)
	}
	return out, nil
}
