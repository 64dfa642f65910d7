// Package templates builds the balanced entry sets for each transaction
// type. Builders are pure: they produce ledger legs and never touch
// balances, idempotency, or events. Zero and negative amounts are
// rejected here; the engine trusts templates to hand it balanced input.
package templates

import (
	"errors"
	"fmt"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
)

var (
	// ErrNonPositiveAmount is returned for zero or negative amounts.
	ErrNonPositiveAmount = errors.New("amount must be positive")
	// ErrSameAccount is returned when a transfer names one account twice.
	ErrSameAccount = errors.New("debit and credit accounts must differ")
	// ErrUnbalanced is returned by Validate when debits and credits differ.
	ErrUnbalanced = errors.New("entries do not balance")
	// ErrTooFewEntries is returned for entry sets with fewer than two legs.
	ErrTooFewEntries = errors.New("a journal needs at least two entries")
)

// pair builds the elementary balanced movement: value leaves dr and
// arrives at cr.
func pair(dr, cr string, amount money.Amount, description string) ([]journal.Entry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrNonPositiveAmount, money.Format(amount))
	}
	if dr == cr {
		return nil, fmt.Errorf("%w: %s", ErrSameAccount, dr)
	}
	return []journal.Entry{
		{AccountID: dr, EntryType: journal.DR, Amount: amount, Description: description},
		{AccountID: cr, EntryType: journal.CR, Amount: amount, Description: description},
	}, nil
}

// Deposit moves cash-in from an agent's float into a customer wallet.
func Deposit(floatAccount, walletAccount string, amount money.Amount) ([]journal.Entry, error) {
	return pair(floatAccount, walletAccount, amount, "deposit")
}

// Withdrawal moves cash-out from a customer wallet into an agent's float.
func Withdrawal(walletAccount, floatAccount string, amount money.Amount) ([]journal.Entry, error) {
	return pair(walletAccount, floatAccount, amount, "withdrawal")
}

// P2P transfers between two customer wallets.
func P2P(fromWallet, toWallet string, amount money.Amount) ([]journal.Entry, error) {
	return pair(fromWallet, toWallet, amount, "p2p transfer")
}

// Payment pays a merchant wallet from a customer wallet.
func Payment(customerWallet, merchantWallet string, amount money.Amount) ([]journal.Entry, error) {
	return pair(customerWallet, merchantWallet, amount, "merchant payment")
}

// B2B transfers between two business wallets.
func B2B(fromWallet, toWallet string, amount money.Amount) ([]journal.Entry, error) {
	return pair(fromWallet, toWallet, amount, "b2b transfer")
}

// FloatTopup funds an agent float from bank clearing.
func FloatTopup(bankClearing, floatAccount string, amount money.Amount) ([]journal.Entry, error) {
	return pair(bankClearing, floatAccount, amount, "float topup")
}

// FloatWithdrawal drains an agent float back to bank clearing.
func FloatWithdrawal(floatAccount, bankClearing string, amount money.Amount) ([]journal.Entry, error) {
	return pair(floatAccount, bankClearing, amount, "float withdrawal")
}

// Adjustment is a manual balanced correction between two accounts. The
// engine requires an approved maker-checker request before posting one.
func Adjustment(drAccount, crAccount string, amount money.Amount, reason string) ([]journal.Entry, error) {
	if reason == "" {
		reason = "manual adjustment"
	}
	return pair(drAccount, crAccount, amount, reason)
}

// Reverse swaps every DR with CR, preserving accounts and amounts, so
// that posting the result nets every affected account back to its
// pre-original balance.
func Reverse(entries []journal.Entry) []journal.Entry {
	out := make([]journal.Entry, len(entries))
	for i, e := range entries {
		flipped := e
		if e.EntryType == journal.DR {
			flipped.EntryType = journal.CR
		} else {
			flipped.EntryType = journal.DR
		}
		flipped.Description = "reversal: " + e.Description
		out[i] = flipped
	}
	return out
}

// ReverseLines builds reversal entries from persisted ledger lines.
func ReverseLines(lines []journal.Line) []journal.Entry {
	entries := make([]journal.Entry, len(lines))
	for i, l := range lines {
		entries[i] = journal.Entry{
			AccountID: l.AccountID,
			EntryType: l.EntryType,
			Amount:    l.Amount,
		}
	}
	return Reverse(entries)
}

// WithFee appends a balanced fee pair: the payer is debited, fee revenue
// credited. A zero fee is a no-op.
func WithFee(entries []journal.Entry, payerAccount, feeRevenueAccount string, fee money.Amount) ([]journal.Entry, error) {
	if fee.IsZero() {
		return entries, nil
	}
	leg, err := pair(payerAccount, feeRevenueAccount, fee, "transaction fee")
	if err != nil {
		return nil, err
	}
	return append(entries, leg...), nil
}

// WithCommission appends a balanced commission pair: commission expense
// is debited from fee revenue and credited to the agent's payable.
func WithCommission(entries []journal.Entry, feeRevenueAccount, commissionPayableAccount string, commission money.Amount) ([]journal.Entry, error) {
	if commission.IsZero() {
		return entries, nil
	}
	leg, err := pair(feeRevenueAccount, commissionPayableAccount, commission, "agent commission")
	if err != nil {
		return nil, err
	}
	return append(entries, leg...), nil
}

// Validate checks the invariants every composed entry set must satisfy:
// at least two legs, valid entry types, positive amounts, and
// sum(DR) = sum(CR).
func Validate(entries []journal.Entry) error {
	if len(entries) < 2 {
		return ErrTooFewEntries
	}
	var dr, cr money.Amount
	for _, e := range entries {
		if !e.EntryType.Valid() {
			return fmt.Errorf("entry for %s has type %q", e.AccountID, e.EntryType)
		}
		if !e.Amount.IsPositive() {
			return fmt.Errorf("entry for %s: %w", e.AccountID, ErrNonPositiveAmount)
		}
		if e.EntryType == journal.DR {
			dr = dr.Add(e.Amount)
		} else {
			cr = cr.Add(e.Amount)
		}
	}
	if dr != cr {
		return fmt.Errorf("%w: DR %s, CR %s", ErrUnbalanced, money.Format(dr), money.Format(cr))
	}
	return nil
}
