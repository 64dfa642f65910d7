package ledgerdb

import (
	"fmt"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
)

// ValidateBundle enforces the store-boundary invariants every
// implementation checks before writing: at least two lines, one currency,
// balanced debits and credits, lines attached to the bundle's journal,
// and deltas consistent with the lines.
func ValidateBundle(b Bundle) error {
	if b.Journal.ID == "" {
		return NewDataError("validate_bundle", "journal id is empty", nil)
	}
	if len(b.Lines) < 2 {
		return fmt.Errorf("validate_bundle: journal %s has %d lines: %w", b.Journal.ID, len(b.Lines), ErrUnbalancedBundle)
	}

	var dr, cr money.Amount
	for _, l := range b.Lines {
		if l.JournalID != b.Journal.ID {
			return NewDataError("validate_bundle",
				fmt.Sprintf("line %s belongs to journal %s, bundle is %s", l.ID, l.JournalID, b.Journal.ID), nil)
		}
		if !l.EntryType.Valid() {
			return NewDataError("validate_bundle", fmt.Sprintf("line %s has entry type %q", l.ID, l.EntryType), nil)
		}
		if !l.Amount.IsPositive() {
			return NewDataError("validate_bundle", fmt.Sprintf("line %s has non-positive amount", l.ID), nil)
		}
		switch l.EntryType {
		case journal.DR:
			dr = dr.Add(l.Amount)
		case journal.CR:
			cr = cr.Add(l.Amount)
		}
	}
	if dr != cr {
		return fmt.Errorf("validate_bundle: journal %s DR %s != CR %s: %w",
			b.Journal.ID, money.Format(dr), money.Format(cr), ErrUnbalancedBundle)
	}

	for _, d := range b.BalanceDeltas {
		if d.Currency != b.Journal.Currency {
			return fmt.Errorf("validate_bundle: delta for %s in %s, journal is %s: %w",
				d.AccountID, d.Currency, b.Journal.Currency, ErrMixedCurrency)
		}
	}

	// Deltas must mirror the lines exactly: CR adds, DR subtracts.
	expected := make(map[string]money.Amount)
	for _, l := range b.Lines {
		if l.EntryType == journal.CR {
			expected[l.AccountID] = expected[l.AccountID].Add(l.Amount)
		} else {
			expected[l.AccountID] = expected[l.AccountID].Sub(l.Amount)
		}
	}
	applied := make(map[string]money.Amount)
	for _, d := range b.BalanceDeltas {
		applied[d.AccountID] = applied[d.AccountID].Add(d.Delta)
	}
	for acc, want := range expected {
		if applied[acc] != want {
			return NewDataError("validate_bundle",
				fmt.Sprintf("balance delta for %s is %s, lines imply %s",
					acc, money.Format(applied[acc]), money.Format(want)), nil)
		}
	}
	for acc := range applied {
		if _, ok := expected[acc]; !ok {
			return NewDataError("validate_bundle",
				fmt.Sprintf("balance delta for %s has no matching line", acc), nil)
		}
	}
	return nil
}
