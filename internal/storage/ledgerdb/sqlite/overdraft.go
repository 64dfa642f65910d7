package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// CreateOverdraftFacility stores a new facility, normally PENDING until
// its approval request is decided.
func (s *Store) CreateOverdraftFacility(ctx context.Context, f journal.OverdraftFacility) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO overdraft_facilities
			(id, account_id, limit_cents, state, effective_from, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AccountID, f.LimitCents.Cents(), string(f.State),
		toNanos(f.EffectiveFrom), toNanos(f.ExpiresAt), toNanos(f.CreatedAt))
	if err != nil {
		return ledgerdb.NewQueryError("create_overdraft_facility", "insert facility", err)
	}
	return nil
}

// GetActiveOverdraft returns the facility effective at now, or
// ErrNotFound when the account has none. A missing facility means a zero
// limit to callers.
func (s *Store) GetActiveOverdraft(ctx context.Context, accountID string, now time.Time) (journal.OverdraftFacility, error) {
	if err := s.guard(); err != nil {
		return journal.OverdraftFacility{}, err
	}
	var (
		f          journal.OverdraftFacility
		limitCents int64
		state      string
		fromNs     int64
		expiresNs  int64
		createdNs  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, limit_cents, state, effective_from, expires_at, created_at
		   FROM overdraft_facilities
		  WHERE account_id = ? AND state = ? AND effective_from <= ? AND expires_at > ?
		  ORDER BY limit_cents DESC LIMIT 1`,
		accountID, string(journal.OverdraftActive), toNanos(now), toNanos(now),
	).Scan(&f.ID, &f.AccountID, &limitCents, &state, &fromNs, &expiresNs, &createdNs)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.OverdraftFacility{}, fmt.Errorf("get_active_overdraft %s: %w", accountID, ledgerdb.ErrNotFound)
	}
	if err != nil {
		return journal.OverdraftFacility{}, ledgerdb.NewQueryError("get_active_overdraft", "query facility", err)
	}
	f.LimitCents = money.Amount(limitCents)
	f.State = journal.OverdraftState(state)
	f.EffectiveFrom = fromNanos(fromNs)
	f.ExpiresAt = fromNanos(expiresNs)
	f.CreatedAt = fromNanos(createdNs)
	return f, nil
}

// UpdateOverdraftState moves a facility between lifecycle states.
func (s *Store) UpdateOverdraftState(ctx context.Context, id string, state journal.OverdraftState) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE overdraft_facilities SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return ledgerdb.NewQueryError("update_overdraft_state", "update facility", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledgerdb.NewDataError("update_overdraft_state", "rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("update_overdraft_state %s: %w", id, ledgerdb.ErrNotFound)
	}
	return nil
}
