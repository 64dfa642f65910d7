// Package journal defines the domain model shared by the posting engine,
// stores, and background subsystems: commands, journals, ledger lines,
// balances, idempotency records, and the enumerations they carry.
package journal

import (
	"time"

	"github.com/tidewallet/ledgerd/internal/core/money"
)

// TxnType enumerates the supported transaction types.
type TxnType string

const (
	TxnDeposit         TxnType = "DEPOSIT"
	TxnWithdrawal      TxnType = "WITHDRAWAL"
	TxnP2P             TxnType = "P2P"
	TxnPayment         TxnType = "PAYMENT"
	TxnB2B             TxnType = "B2B"
	TxnFloatTopup      TxnType = "FLOAT_TOPUP"
	TxnFloatWithdrawal TxnType = "FLOAT_WITHDRAWAL"
	TxnReversal        TxnType = "REVERSAL"
	TxnAdjustment      TxnType = "ADJUSTMENT"
)

// Valid reports whether t is one of the known transaction types.
func (t TxnType) Valid() bool {
	switch t {
	case TxnDeposit, TxnWithdrawal, TxnP2P, TxnPayment, TxnB2B,
		TxnFloatTopup, TxnFloatWithdrawal, TxnReversal, TxnAdjustment:
		return true
	}
	return false
}

// EntryType distinguishes debit from credit legs.
type EntryType string

const (
	DR EntryType = "DR"
	CR EntryType = "CR"
)

// Valid reports whether e is DR or CR.
func (e EntryType) Valid() bool {
	return e == DR || e == CR
}

// State is the lifecycle state of a committed journal. IN_PROGRESS exists
// only on idempotency records, never on a journal row.
type State string

const (
	StatePosted   State = "POSTED"
	StateReversed State = "REVERSED"
)

// AccountType enumerates the ledger account classes.
type AccountType string

const (
	AccountWallet            AccountType = "WALLET"
	AccountCashFloat         AccountType = "CASH_FLOAT"
	AccountFeeRevenue        AccountType = "FEE_REVENUE"
	AccountCommissionPayable AccountType = "COMMISSION_PAYABLE"
	AccountSuspense          AccountType = "SUSPENSE"
	AccountBankClearing      AccountType = "BANK_CLEARING"
)

// Account is a ledger account. Accounts are never deleted.
type Account struct {
	ID        string
	OwnerType string
	OwnerID   string
	Type      AccountType
	Currency  string
	CreatedAt time.Time
}

// Entry is one leg of a posting command.
type Entry struct {
	AccountID   string
	EntryType   EntryType
	Amount      money.Amount
	Description string
}

// Command is a posting request as accepted by the engine.
type Command struct {
	IdempotencyKey      string
	CorrelationID       string
	ActorType           string
	ActorID             string
	TxnType             TxnType
	Currency            string
	Entries             []Entry
	Description         string
	FeeVersionID        string
	CommissionVersionID string
}

// Journal is one committed double-entry posting. Immutable after insert
// except for the REVERSED state flag.
type Journal struct {
	ID               string
	TxnType          TxnType
	Currency         string
	CorrelationID    string
	IdempotencyKey   string
	State            State
	InitiatorActorID string
	PrevHash         string
	Hash             string
	CreatedAt        time.Time
}

// Line is one persisted leg of a journal. Immutable.
type Line struct {
	ID        string
	JournalID string
	AccountID string
	EntryType EntryType
	Amount    money.Amount
	CreatedAt time.Time
}

// Balance is the materialized per-account running total. Derivable truth:
// sum(CR) - sum(DR) over the account's lines.
type Balance struct {
	AccountID string
	Currency  string
	Cents     money.Amount
	UpdatedAt time.Time
}

// BalanceDelta is one signed adjustment applied inside a journal commit.
type BalanceDelta struct {
	AccountID string
	Currency  string
	Delta     money.Amount
}

// OverdraftState is the lifecycle state of an overdraft facility.
type OverdraftState string

const (
	OverdraftPending OverdraftState = "PENDING"
	OverdraftActive  OverdraftState = "ACTIVE"
	OverdraftExpired OverdraftState = "EXPIRED"
	OverdraftRevoked OverdraftState = "REVOKED"
)

// OverdraftFacility is an approved negative-balance allowance. It extends
// the sufficient-funds threshold only while ACTIVE and inside its window.
type OverdraftFacility struct {
	ID            string
	AccountID     string
	LimitCents    money.Amount
	State         OverdraftState
	EffectiveFrom time.Time
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// EffectiveAt reports whether the facility extends funds at the given
// instant.
func (f OverdraftFacility) EffectiveAt(now time.Time) bool {
	return f.State == OverdraftActive &&
		!now.Before(f.EffectiveFrom) &&
		now.Before(f.ExpiresAt)
}

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s IdempotencyStatus) Terminal() bool {
	return s == IdempotencyCompleted || s == IdempotencyFailed
}

// RetentionPeriod is how long idempotency records are kept before a
// sweeper may purge them.
const RetentionPeriod = 90 * 24 * time.Hour

// IdempotencyRecord pins the outcome of one posting scope. scope_hash is
// unique; payload_hash is authoritative for conflict detection.
type IdempotencyRecord struct {
	ID          string
	ScopeHash   string
	PayloadHash string
	JournalID   string
	ResultJSON  []byte
	Status      IdempotencyStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
}
