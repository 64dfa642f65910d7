package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// CreateAccount registers a ledger account. Accounts are never deleted.
func (s *Store) CreateAccount(ctx context.Context, a journal.Account) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, owner_type, owner_id, account_type, currency, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.OwnerType, a.OwnerID, string(a.Type), a.Currency, toNanos(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ledgerdb.NewConstraintError("create_account",
				fmt.Sprintf("account %s already exists", a.ID), err)
		}
		return ledgerdb.NewQueryError("create_account", "insert account", err)
	}
	return nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (journal.Account, error) {
	if err := s.guard(); err != nil {
		return journal.Account{}, err
	}
	var (
		a  journal.Account
		at string
		ns int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_type, owner_id, account_type, currency, created_at
		   FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.OwnerType, &a.OwnerID, &at, &a.Currency, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Account{}, fmt.Errorf("get_account %s: %w", id, ledgerdb.ErrNotFound)
	}
	if err != nil {
		return journal.Account{}, ledgerdb.NewQueryError("get_account", "query account", err)
	}
	a.Type = journal.AccountType(at)
	a.CreatedAt = fromNanos(ns)
	return a, nil
}
