package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// InsertJournalBundle commits one posting atomically: journal, lines,
// balance deltas, events, audit rows, and the idempotency finalization.
// The chain tip is re-read inside the transaction; a moved tip aborts
// with ErrChainConflict and nothing is written.
func (s *Store) InsertJournalBundle(ctx context.Context, b ledgerdb.Bundle) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := ledgerdb.ValidateBundle(b); err != nil {
		return err
	}

	err := s.withTx(ctx, "insert_journal_bundle", func(tx *sql.Tx) error {
		tip, err := latestHash(ctx, tx)
		if err != nil {
			return err
		}
		if tip != b.Journal.PrevHash {
			return fmt.Errorf("insert_journal_bundle: prev_hash %q, tip %q: %w",
				b.Journal.PrevHash, tip, ledgerdb.ErrChainConflict)
		}

		j := b.Journal
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_journals
				(id, txn_type, currency, correlation_id, idempotency_key, state,
				 initiator_actor_id, prev_hash, hash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, string(j.TxnType), j.Currency, j.CorrelationID, j.IdempotencyKey,
			string(j.State), j.InitiatorActorID, j.PrevHash, j.Hash, toNanos(j.CreatedAt),
		); err != nil {
			return ledgerdb.NewQueryError("insert_journal_bundle", "insert journal", err)
		}

		for _, l := range b.Lines {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ledger_lines (id, journal_id, account_id, entry_type, amount, created_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				l.ID, l.JournalID, l.AccountID, string(l.EntryType), l.Amount.Cents(), toNanos(l.CreatedAt),
			); err != nil {
				return ledgerdb.NewQueryError("insert_journal_bundle", "insert line", err)
			}
		}

		for _, d := range b.BalanceDeltas {
			if err := applyDelta(ctx, tx, d, j.CreatedAt); err != nil {
				return err
			}
		}

		for _, ev := range b.Events {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		for _, entry := range b.Audit {
			if err := insertAudit(ctx, tx, entry); err != nil {
				return err
			}
		}

		if b.Idempotency != nil {
			if err := finalizeIdempotency(ctx, tx, *b.Idempotency); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Debug("journal committed",
		zap.String("journal_id", b.Journal.ID),
		zap.String("txn_type", string(b.Journal.TxnType)),
		zap.Int("lines", len(b.Lines)))
	return nil
}

func applyDelta(ctx context.Context, tx *sql.Tx, d journal.BalanceDelta, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE wallet_balances
			SET balance_cents = balance_cents + ?, updated_at = ?
		  WHERE account_id = ? AND currency = ?`,
		d.Delta.Cents(), toNanos(at), d.AccountID, d.Currency)
	if err != nil {
		return ledgerdb.NewQueryError("insert_journal_bundle", "apply balance delta", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledgerdb.NewDataError("insert_journal_bundle", "rows affected", err)
	}
	if n == 0 {
		// First write for this account: the row materializes at the delta.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO wallet_balances (account_id, currency, balance_cents, updated_at)
			 VALUES (?, ?, ?, ?)`,
			d.AccountID, d.Currency, d.Delta.Cents(), toNanos(at)); err != nil {
			return ledgerdb.NewQueryError("insert_journal_bundle", "create balance row", err)
		}
	}
	return nil
}

func latestHash(ctx context.Context, ex executor) (string, error) {
	var hash string
	err := ex.QueryRowContext(ctx,
		`SELECT hash FROM ledger_journals ORDER BY created_at DESC, id DESC LIMIT 1`,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", ledgerdb.NewQueryError("latest_journal_hash", "query chain tip", err)
	}
	return hash, nil
}

// LatestJournalHash returns the chain tip, or "" for an empty ledger.
func (s *Store) LatestJournalHash(ctx context.Context) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	return latestHash(ctx, s.db)
}

const journalColumns = `id, txn_type, currency, correlation_id, idempotency_key,
	state, initiator_actor_id, prev_hash, hash, created_at`

func scanJournal(row interface{ Scan(...interface{}) error }) (journal.Journal, error) {
	var (
		j  journal.Journal
		tt string
		st string
		ns int64
	)
	err := row.Scan(&j.ID, &tt, &j.Currency, &j.CorrelationID, &j.IdempotencyKey,
		&st, &j.InitiatorActorID, &j.PrevHash, &j.Hash, &ns)
	if err != nil {
		return journal.Journal{}, err
	}
	j.TxnType = journal.TxnType(tt)
	j.State = journal.State(st)
	j.CreatedAt = fromNanos(ns)
	return j, nil
}

// GetJournal fetches one journal by id.
func (s *Store) GetJournal(ctx context.Context, id string) (journal.Journal, error) {
	if err := s.guard(); err != nil {
		return journal.Journal{}, err
	}
	j, err := scanJournal(s.db.QueryRowContext(ctx,
		`SELECT `+journalColumns+` FROM ledger_journals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Journal{}, fmt.Errorf("get_journal %s: %w", id, ledgerdb.ErrNotFound)
	}
	if err != nil {
		return journal.Journal{}, ledgerdb.NewQueryError("get_journal", "query journal", err)
	}
	return j, nil
}

// GetJournalByIdempotencyKey fetches the most recent journal carrying the
// raw idempotency key.
func (s *Store) GetJournalByIdempotencyKey(ctx context.Context, key string) (journal.Journal, error) {
	if err := s.guard(); err != nil {
		return journal.Journal{}, err
	}
	j, err := scanJournal(s.db.QueryRowContext(ctx,
		`SELECT `+journalColumns+` FROM ledger_journals
		  WHERE idempotency_key = ?
		  ORDER BY created_at DESC, id DESC LIMIT 1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Journal{}, fmt.Errorf("get_journal_by_idempotency_key: %w", ledgerdb.ErrNotFound)
	}
	if err != nil {
		return journal.Journal{}, ledgerdb.NewQueryError("get_journal_by_idempotency_key", "query journal", err)
	}
	return j, nil
}

// ListLines returns a journal's lines ordered by insertion.
func (s *Store) ListLines(ctx context.Context, journalID string) ([]journal.Line, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, journal_id, account_id, entry_type, amount, created_at
		   FROM ledger_lines WHERE journal_id = ?
		  ORDER BY created_at ASC, id ASC`, journalID)
	if err != nil {
		return nil, ledgerdb.NewQueryError("list_lines", "query lines", err)
	}
	defer rows.Close()

	var out []journal.Line
	for rows.Next() {
		var (
			l     journal.Line
			et    string
			cents int64
			ns    int64
		)
		if err := rows.Scan(&l.ID, &l.JournalID, &l.AccountID, &et, &cents, &ns); err != nil {
			return nil, ledgerdb.NewDataError("list_lines", "scan line", err)
		}
		l.EntryType = journal.EntryType(et)
		l.Amount = money.Amount(cents)
		l.CreatedAt = fromNanos(ns)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgerdb.NewQueryError("list_lines", "iterate lines", err)
	}
	return out, nil
}

// IterateJournalsOrdered walks journals in (created_at ASC, id ASC)
// order, the canonical order for hash-chain verification.
func (s *Store) IterateJournalsOrdered(ctx context.Context, from, to time.Time, fn func(journal.Journal) error) error {
	if err := s.guard(); err != nil {
		return err
	}
	lo := int64(0)
	hi := int64(1<<63 - 1)
	if !from.IsZero() {
		lo = toNanos(from)
	}
	if !to.IsZero() {
		hi = toNanos(to)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+journalColumns+` FROM ledger_journals
		  WHERE created_at >= ? AND created_at <= ?
		  ORDER BY created_at ASC, id ASC`, lo, hi)
	if err != nil {
		return ledgerdb.NewQueryError("iterate_journals", "query journals", err)
	}
	defer rows.Close()

	for rows.Next() {
		j, err := scanJournal(rows)
		if err != nil {
			return ledgerdb.NewDataError("iterate_journals", "scan journal", err)
		}
		if err := fn(j); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return ledgerdb.NewQueryError("iterate_journals", "iterate journals", err)
	}
	return nil
}

// MarkJournalReversed flips a journal's state to REVERSED; the single
// permitted journal update.
func (s *Store) MarkJournalReversed(ctx context.Context, journalID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_journals SET state = ? WHERE id = ? AND state = ?`,
		string(journal.StateReversed), journalID, string(journal.StatePosted))
	if err != nil {
		return ledgerdb.NewQueryError("mark_journal_reversed", "update state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledgerdb.NewDataError("mark_journal_reversed", "rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("mark_journal_reversed %s: %w", journalID, ledgerdb.ErrNotFound)
	}
	return nil
}

// GetBalance returns the materialized balance row, or ErrNotFound when
// the account has never been written.
func (s *Store) GetBalance(ctx context.Context, accountID string) (journal.Balance, error) {
	if err := s.guard(); err != nil {
		return journal.Balance{}, err
	}
	var (
		b     journal.Balance
		cents int64
		ns    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, currency, balance_cents, updated_at
		   FROM wallet_balances WHERE account_id = ?`, accountID,
	).Scan(&b.AccountID, &b.Currency, &cents, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Balance{}, fmt.Errorf("get_balance %s: %w", accountID, ledgerdb.ErrNotFound)
	}
	if err != nil {
		return journal.Balance{}, ledgerdb.NewQueryError("get_balance", "query balance", err)
	}
	b.Cents = money.Amount(cents)
	b.UpdatedAt = fromNanos(ns)
	return b, nil
}

// ComputedBalance derives sum(CR) - sum(DR) over the account's lines;
// ledger truth for reconciliation.
func (s *Store) ComputedBalance(ctx context.Context, accountID string) (money.Amount, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var cents int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN entry_type = 'CR' THEN amount ELSE -amount END), 0)
		   FROM ledger_lines WHERE account_id = ?`, accountID,
	).Scan(&cents)
	if err != nil {
		return 0, ledgerdb.NewQueryError("computed_balance", "sum lines", err)
	}
	return money.Amount(cents), nil
}

// ListReconAccounts returns every account reconciliation must look at:
// all balance rows, plus accounts that only appear on ledger lines.
func (s *Store) ListReconAccounts(ctx context.Context) ([]ledgerdb.ReconAccount, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, currency, balance_cents FROM wallet_balances ORDER BY account_id`)
	if err != nil {
		return nil, ledgerdb.NewQueryError("list_recon_accounts", "query balances", err)
	}
	defer rows.Close()

	var out []ledgerdb.ReconAccount
	seen := make(map[string]bool)
	for rows.Next() {
		var (
			ra    ledgerdb.ReconAccount
			cents int64
		)
		if err := rows.Scan(&ra.AccountID, &ra.Currency, &cents); err != nil {
			return nil, ledgerdb.NewDataError("list_recon_accounts", "scan balance", err)
		}
		ra.Materialized = money.Amount(cents)
		ra.HasBalance = true
		seen[ra.AccountID] = true
		out = append(out, ra)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgerdb.NewQueryError("list_recon_accounts", "iterate balances", err)
	}

	lineRows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT l.account_id, j.currency
		   FROM ledger_lines l JOIN ledger_journals j ON j.id = l.journal_id
		  ORDER BY l.account_id`)
	if err != nil {
		return nil, ledgerdb.NewQueryError("list_recon_accounts", "query line accounts", err)
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var accountID, currency string
		if err := lineRows.Scan(&accountID, &currency); err != nil {
			return nil, ledgerdb.NewDataError("list_recon_accounts", "scan line account", err)
		}
		if seen[accountID] {
			continue
		}
		seen[accountID] = true
		out = append(out, ledgerdb.ReconAccount{AccountID: accountID, Currency: currency})
	}
	if err := lineRows.Err(); err != nil {
		return nil, ledgerdb.NewQueryError("list_recon_accounts", "iterate line accounts", err)
	}
	return out, nil
}
