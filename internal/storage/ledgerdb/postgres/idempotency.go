package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// InsertIdempotencyRecord admits a new posting scope. A second insert
// with the same scope_hash fails with ErrDuplicateScope.
func (s *Store) InsertIdempotencyRecord(ctx context.Context, rec journal.IdempotencyRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records
			(id, scope_hash, payload_hash, journal_id, result_json, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.ScopeHash, rec.PayloadHash, nullString(rec.JournalID),
		nullBytes(rec.ResultJSON), string(rec.Status), toNanos(rec.CreatedAt), toNanos(rec.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert_idempotency_record %s: %w", rec.ScopeHash, ledgerdb.ErrDuplicateScope)
		}
		return ledgerdb.NewQueryError("insert_idempotency_record", "insert record", err)
	}
	return nil
}

// LookupIdempotencyRecord fetches the record for a scope hash, or
// ErrNotFound.
func (s *Store) LookupIdempotencyRecord(ctx context.Context, scopeHash string) (journal.IdempotencyRecord, error) {
	if err := s.guard(); err != nil {
		return journal.IdempotencyRecord{}, err
	}
	rec, err := scanIdempotency(s.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_records WHERE scope_hash = $1`, scopeHash))
	if errors.Is(err, sql.ErrNoRows) {
		return journal.IdempotencyRecord{}, fmt.Errorf("lookup_idempotency_record: %w", ledgerdb.ErrNotFound)
	}
	if err != nil {
		return journal.IdempotencyRecord{}, ledgerdb.NewQueryError("lookup_idempotency_record", "query record", err)
	}
	return rec, nil
}

// UpdateIdempotencyResult moves an IN_PROGRESS record to COMPLETED or
// FAILED. Terminal records are immutable.
func (s *Store) UpdateIdempotencyResult(ctx context.Context, recordID, journalID string, resultJSON []byte, status journal.IdempotencyStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	if !status.Terminal() {
		return ledgerdb.NewDataError("update_idempotency_result",
			fmt.Sprintf("status %s is not terminal", status), nil)
	}
	return s.withTx(ctx, "update_idempotency_result", func(tx *sql.Tx) error {
		return finalizeIdempotency(ctx, tx, ledgerdb.IdempotencyFinalize{
			RecordID:   recordID,
			JournalID:  journalID,
			ResultJSON: resultJSON,
			Status:     status,
		})
	})
}

func finalizeIdempotency(ctx context.Context, tx *sql.Tx, fin ledgerdb.IdempotencyFinalize) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE idempotency_records
			SET journal_id = $1, result_json = $2, status = $3
		  WHERE id = $4 AND status = $5`,
		nullString(fin.JournalID), nullBytes(fin.ResultJSON), string(fin.Status),
		fin.RecordID, string(journal.IdempotencyInProgress))
	if err != nil {
		return ledgerdb.NewQueryError("finalize_idempotency", "update record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledgerdb.NewDataError("finalize_idempotency", "rows affected", err)
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM idempotency_records WHERE id = $1`, fin.RecordID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("finalize_idempotency %s: %w", fin.RecordID, ledgerdb.ErrNotFound)
		}
		if err != nil {
			return ledgerdb.NewQueryError("finalize_idempotency", "query status", err)
		}
		return fmt.Errorf("finalize_idempotency %s is %s: %w", fin.RecordID, status, ledgerdb.ErrTerminalStatus)
	}
	return nil
}

// ListStaleInProgress returns IN_PROGRESS records created before cutoff,
// oldest first; the stale-repair scan.
func (s *Store) ListStaleInProgress(ctx context.Context, cutoff time.Time) ([]journal.IdempotencyRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_records
		  WHERE status = $1 AND created_at < $2
		  ORDER BY created_at ASC`,
		string(journal.IdempotencyInProgress), toNanos(cutoff))
	if err != nil {
		return nil, ledgerdb.NewQueryError("list_stale_in_progress", "query records", err)
	}
	defer rows.Close()

	var out []journal.IdempotencyRecord
	for rows.Next() {
		rec, err := scanIdempotency(rows)
		if err != nil {
			return nil, ledgerdb.NewDataError("list_stale_in_progress", "scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgerdb.NewQueryError("list_stale_in_progress", "iterate records", err)
	}
	return out, nil
}

// PurgeExpiredIdempotency deletes records past expiry; purged scopes are
// re-insertable.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= $1`, toNanos(now))
	if err != nil {
		return 0, ledgerdb.NewQueryError("purge_expired_idempotency", "delete records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ledgerdb.NewDataError("purge_expired_idempotency", "rows affected", err)
	}
	return n, nil
}

const idempotencyColumns = `id, scope_hash, payload_hash, journal_id, result_json,
	status, created_at, expires_at`

func scanIdempotency(row interface{ Scan(...interface{}) error }) (journal.IdempotencyRecord, error) {
	var (
		rec       journal.IdempotencyRecord
		journalID sql.NullString
		result    sql.NullString
		status    string
		createdNs int64
		expiresNs int64
	)
	err := row.Scan(&rec.ID, &rec.ScopeHash, &rec.PayloadHash, &journalID, &result,
		&status, &createdNs, &expiresNs)
	if err != nil {
		return journal.IdempotencyRecord{}, err
	}
	rec.JournalID = journalID.String
	if result.Valid {
		rec.ResultJSON = []byte(result.String)
	}
	rec.Status = journal.IdempotencyStatus(status)
	rec.CreatedAt = fromNanos(createdNs)
	rec.ExpiresAt = fromNanos(expiresNs)
	return rec, nil
}
