// Package ledgerdb defines the persistence contract for the posting core:
// append-only journals and lines, materialized balances, idempotency
// records, events, audit rows, reconciliation runs and findings, overdraft
// facilities, and approval requests. Implementations live in the sqlite
// and postgres subpackages and must enforce the store-boundary invariants
// documented on each method.
package ledgerdb

import (
	"context"
	"time"

	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/events"
)

// Bundle is everything committed atomically for one posting: either all
// rows become visible, or none do.
type Bundle struct {
	Journal       journal.Journal
	Lines         []journal.Line
	BalanceDeltas []journal.BalanceDelta
	Events        []events.Event
	Audit         []events.AuditEntry
	// Idempotency finalizes the scope's idempotency record inside the
	// same transaction. Required for engine commits; nil for repair
	// backfills that insert the record separately.
	Idempotency *IdempotencyFinalize
}

// IdempotencyFinalize flips an IN_PROGRESS record to its terminal status
// as part of a bundle commit.
type IdempotencyFinalize struct {
	RecordID   string
	JournalID  string
	ResultJSON []byte
	Status     journal.IdempotencyStatus
}

// ReconAccount is one account as seen by reconciliation: the materialized
// balance row when present, otherwise an account observed only on ledger
// lines.
type ReconAccount struct {
	AccountID    string
	Currency     string
	Materialized money.Amount
	HasBalance   bool
}

// Severity classifies the magnitude of a reconciliation discrepancy.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Run is one reconciliation sweep over all accounts.
type Run struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      time.Time
	Status          RunStatus
	AccountsChecked int
	MismatchesFound int
	SummaryJSON     []byte
}

// FindingStatus tracks whether a finding has been dealt with.
type FindingStatus string

const (
	FindingOpen     FindingStatus = "OPEN"
	FindingResolved FindingStatus = "RESOLVED"
)

// Finding is one reconciliation or integrity discrepancy. Discrepancy is
// a signed cents value rendered as a wire decimal string, or the literal
// "HASH_MISMATCH" for chain breaks.
type Finding struct {
	ID              string
	RunID           string
	AccountID       string
	Currency        string
	ExpectedBalance string
	ActualBalance   string
	Discrepancy     string
	Severity        Severity
	Status          FindingStatus
	CreatedAt       time.Time
}

// ApprovalState is the lifecycle state of a maker-checker request.
type ApprovalState string

const (
	ApprovalPending   ApprovalState = "PENDING"
	ApprovalApproved  ApprovalState = "APPROVED"
	ApprovalRejected  ApprovalState = "REJECTED"
	ApprovalCancelled ApprovalState = "CANCELLED"
)

// ApprovalRequest is one maker-checker gate. A non-null checker must
// differ from the maker; the store enforces this with a CHECK constraint
// and the decide operation re-checks it.
type ApprovalRequest struct {
	ID             string
	TypeKey        string
	MakerStaffID   string
	CheckerStaffID string
	State          ApprovalState
	BeforeJSON     []byte
	AfterJSON      []byte
	Reason         string
	CreatedAt      time.Time
	DecidedAt      time.Time
}

// AccountRepository manages the account registry. Accounts are never
// deleted.
type AccountRepository interface {
	CreateAccount(ctx context.Context, a journal.Account) error
	GetAccount(ctx context.Context, id string) (journal.Account, error)
}

// JournalRepository covers the append-only ledger and materialized
// balances.
type JournalRepository interface {
	// InsertJournalBundle commits the bundle in one transaction. It
	// verifies that the bundle balances, shares one currency, and that
	// Journal.PrevHash equals the current chain tip; on a tip mismatch it
	// fails with ErrChainConflict and nothing is written.
	InsertJournalBundle(ctx context.Context, b Bundle) error

	GetJournal(ctx context.Context, id string) (journal.Journal, error)
	GetJournalByIdempotencyKey(ctx context.Context, key string) (journal.Journal, error)
	ListLines(ctx context.Context, journalID string) ([]journal.Line, error)

	// LatestJournalHash returns the chain tip hash, or "" for an empty
	// ledger.
	LatestJournalHash(ctx context.Context) (string, error)

	// IterateJournalsOrdered walks journals in (created_at ASC, id ASC)
	// order, the canonical order for integrity verification. Zero from/to
	// bounds mean unbounded.
	IterateJournalsOrdered(ctx context.Context, from, to time.Time, fn func(journal.Journal) error) error

	// MarkJournalReversed flips state to REVERSED. The only journal
	// column that is ever updated; everything else is immutable.
	MarkJournalReversed(ctx context.Context, journalID string) error

	// GetBalance returns the materialized row, or ErrNotFound when the
	// account has never been written. Callers treat a missing row as
	// zero.
	GetBalance(ctx context.Context, accountID string) (journal.Balance, error)

	// ComputedBalance derives sum(CR) - sum(DR) over the account's lines.
	ComputedBalance(ctx context.Context, accountID string) (money.Amount, error)

	// ListReconAccounts returns every account visible to reconciliation:
	// all balance rows plus accounts that appear only on lines.
	ListReconAccounts(ctx context.Context) ([]ReconAccount, error)
}

// IdempotencyRepository manages idempotency records. scope_hash is
// unique; a second insert fails with ErrDuplicateScope.
type IdempotencyRepository interface {
	InsertIdempotencyRecord(ctx context.Context, rec journal.IdempotencyRecord) error
	LookupIdempotencyRecord(ctx context.Context, scopeHash string) (journal.IdempotencyRecord, error)

	// UpdateIdempotencyResult moves an IN_PROGRESS record to a terminal
	// status. Updating a terminal record fails with ErrTerminalStatus.
	UpdateIdempotencyResult(ctx context.Context, recordID, journalID string, resultJSON []byte, status journal.IdempotencyStatus) error

	ListStaleInProgress(ctx context.Context, cutoff time.Time) ([]journal.IdempotencyRecord, error)

	// PurgeExpiredIdempotency deletes records whose expires_at has
	// passed, returning the count. Purged scopes are re-insertable.
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// EventRepository appends to the event stream and audit log.
type EventRepository interface {
	AppendEvent(ctx context.Context, ev events.Event) error
	AppendAudit(ctx context.Context, entry events.AuditEntry) error

	// HasEventWithEntity reports whether an event with the given name and
	// entity id exists; the queue consumer's persistent dedupe check.
	HasEventWithEntity(ctx context.Context, name, entityID string) (bool, error)

	ListEventsByCorrelation(ctx context.Context, correlationID string) ([]events.Event, error)
}

// OverdraftRepository manages overdraft facilities.
type OverdraftRepository interface {
	CreateOverdraftFacility(ctx context.Context, f journal.OverdraftFacility) error

	// GetActiveOverdraft returns the facility effective at now, or
	// ErrNotFound when none is. Callers treat a missing facility as a
	// zero limit.
	GetActiveOverdraft(ctx context.Context, accountID string, now time.Time) (journal.OverdraftFacility, error)

	UpdateOverdraftState(ctx context.Context, id string, state journal.OverdraftState) error
}

// ReconciliationRepository tracks runs and findings.
type ReconciliationRepository interface {
	CreateReconciliationRun(ctx context.Context, run Run) error
	UpdateReconciliationRun(ctx context.Context, run Run) error
	GetReconciliationRun(ctx context.Context, id string) (Run, error)
	CreateFinding(ctx context.Context, f Finding) error
	ListFindings(ctx context.Context, runID string) ([]Finding, error)
}

// ApprovalRepository manages maker-checker requests.
type ApprovalRepository interface {
	CreateApprovalRequest(ctx context.Context, ar ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (ApprovalRequest, error)

	// DecideApprovalRequest moves a PENDING request to APPROVED or
	// REJECTED. It fails with ErrSameMakerChecker when the checker equals
	// the maker and ErrNotPending when the request is already decided.
	DecideApprovalRequest(ctx context.Context, id, checkerStaffID string, state ApprovalState, decidedAt time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	AccountRepository
	JournalRepository
	IdempotencyRepository
	EventRepository
	OverdraftRepository
	ReconciliationRepository
	ApprovalRepository

	// Init creates the schema if missing. Idempotent.
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
