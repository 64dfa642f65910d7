package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// CreateApprovalRequest stores a PENDING maker-checker request.
func (s *Store) CreateApprovalRequest(ctx context.Context, ar ledgerdb.ApprovalRequest) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_requests
			(id, type_key, maker_staff_id, checker_staff_id, state, before_json,
			 after_json, reason, created_at, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ar.ID, ar.TypeKey, ar.MakerStaffID, nullString(ar.CheckerStaffID), string(ar.State),
		nullBytes(ar.BeforeJSON), nullBytes(ar.AfterJSON), ar.Reason,
		toNanos(ar.CreatedAt), nullNanos(ar.DecidedAt))
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("create_approval_request: %w", ledgerdb.ErrSameMakerChecker)
		}
		return ledgerdb.NewQueryError("create_approval_request", "insert request", err)
	}
	return nil
}

// GetApprovalRequest fetches one request by id.
func (s *Store) GetApprovalRequest(ctx context.Context, id string) (ledgerdb.ApprovalRequest, error) {
	if err := s.guard(); err != nil {
		return ledgerdb.ApprovalRequest{}, err
	}
	var (
		ar        ledgerdb.ApprovalRequest
		checker   sql.NullString
		state     string
		before    sql.NullString
		after     sql.NullString
		createdNs int64
		decidedNs sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type_key, maker_staff_id, checker_staff_id, state, before_json,
		        after_json, reason, created_at, decided_at
		   FROM approval_requests WHERE id = ?`, id,
	).Scan(&ar.ID, &ar.TypeKey, &ar.MakerStaffID, &checker, &state, &before,
		&after, &ar.Reason, &createdNs, &decidedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return ledgerdb.ApprovalRequest{}, fmt.Errorf("get_approval_request %s: %w", id, ledgerdb.ErrNotFound)
	}
	if err != nil {
		return ledgerdb.ApprovalRequest{}, ledgerdb.NewQueryError("get_approval_request", "query request", err)
	}
	ar.CheckerStaffID = checker.String
	ar.State = ledgerdb.ApprovalState(state)
	if before.Valid {
		ar.BeforeJSON = []byte(before.String)
	}
	if after.Valid {
		ar.AfterJSON = []byte(after.String)
	}
	ar.CreatedAt = fromNanos(createdNs)
	if decidedNs.Valid {
		ar.DecidedAt = fromNanos(decidedNs.Int64)
	}
	return ar, nil
}

// DecideApprovalRequest moves a PENDING request to APPROVED or REJECTED.
// The update predicate and the table CHECK constraint both reject a
// checker equal to the maker.
func (s *Store) DecideApprovalRequest(ctx context.Context, id, checkerStaffID string, state ledgerdb.ApprovalState, decidedAt time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	if state != ledgerdb.ApprovalApproved && state != ledgerdb.ApprovalRejected {
		return ledgerdb.NewDataError("decide_approval_request",
			fmt.Sprintf("state %s is not a decision", state), nil)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests
			SET checker_staff_id = ?, state = ?, decided_at = ?
		  WHERE id = ? AND state = ? AND maker_staff_id <> ?`,
		checkerStaffID, string(state), toNanos(decidedAt),
		id, string(ledgerdb.ApprovalPending), checkerStaffID)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("decide_approval_request: %w", ledgerdb.ErrSameMakerChecker)
		}
		return ledgerdb.NewQueryError("decide_approval_request", "update request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledgerdb.NewDataError("decide_approval_request", "rows affected", err)
	}
	if n == 0 {
		// Classify: missing, already decided, or maker deciding their own
		// request.
		var maker, current string
		err := s.db.QueryRowContext(ctx,
			`SELECT maker_staff_id, state FROM approval_requests WHERE id = ?`, id,
		).Scan(&maker, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("decide_approval_request %s: %w", id, ledgerdb.ErrNotFound)
		}
		if err != nil {
			return ledgerdb.NewQueryError("decide_approval_request", "query request", err)
		}
		if maker == checkerStaffID {
			return fmt.Errorf("decide_approval_request %s: %w", id, ledgerdb.ErrSameMakerChecker)
		}
		return fmt.Errorf("decide_approval_request %s is %s: %w", id, current, ledgerdb.ErrNotPending)
	}
	return nil
}

func isCheckViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}
