package sqlite

// schema is applied statement by statement at startup. Table names are
// part of the persistence contract; downstream tooling queries them
// directly.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		account_type TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_journals (
		id TEXT PRIMARY KEY,
		txn_type TEXT NOT NULL,
		currency TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		state TEXT NOT NULL,
		initiator_actor_id TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_journals_created
		ON ledger_journals(created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_journals_idem_key
		ON ledger_journals(idempotency_key)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_journals_hash
		ON ledger_journals(hash)`,

	`CREATE TABLE IF NOT EXISTS ledger_lines (
		id TEXT PRIMARY KEY,
		journal_id TEXT NOT NULL REFERENCES ledger_journals(id),
		account_id TEXT NOT NULL,
		entry_type TEXT NOT NULL CHECK (entry_type IN ('DR','CR')),
		amount INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_lines_journal
		ON ledger_lines(journal_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_lines_account
		ON ledger_lines(account_id)`,

	`CREATE TABLE IF NOT EXISTS wallet_balances (
		account_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance_cents INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, currency)
	)`,

	`CREATE TABLE IF NOT EXISTS idempotency_records (
		id TEXT PRIMARY KEY,
		scope_hash TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		journal_id TEXT,
		result_json TEXT,
		status TEXT NOT NULL CHECK (status IN ('IN_PROGRESS','COMPLETED','FAILED')),
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_scope
		ON idempotency_records(scope_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_stale
		ON idempotency_records(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_expiry
		ON idempotency_records(expires_at)`,

	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		causation_id TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		payload_json TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_name_entity
		ON events(name, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_correlation
		ON events(correlation_id)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		correlation_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_target
		ON audit_log(target_type, target_id)`,

	`CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		status TEXT NOT NULL CHECK (status IN ('RUNNING','COMPLETED','FAILED')),
		accounts_checked INTEGER NOT NULL DEFAULT 0,
		mismatches_found INTEGER NOT NULL DEFAULT 0,
		summary_json TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS reconciliation_findings (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES reconciliation_runs(id),
		account_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		expected_balance TEXT NOT NULL,
		actual_balance TEXT NOT NULL,
		discrepancy TEXT NOT NULL,
		severity TEXT NOT NULL CHECK (severity IN ('LOW','MEDIUM','HIGH','CRITICAL')),
		status TEXT NOT NULL CHECK (status IN ('OPEN','RESOLVED')),
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_run
		ON reconciliation_findings(run_id)`,

	`CREATE TABLE IF NOT EXISTS overdraft_facilities (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		limit_cents INTEGER NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('PENDING','ACTIVE','EXPIRED','REVOKED')),
		effective_from INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_overdraft_account
		ON overdraft_facilities(account_id, state)`,

	`CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		type_key TEXT NOT NULL,
		maker_staff_id TEXT NOT NULL,
		checker_staff_id TEXT,
		state TEXT NOT NULL CHECK (state IN ('PENDING','APPROVED','REJECTED','CANCELLED')),
		before_json TEXT,
		after_json TEXT,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		decided_at INTEGER,
		CHECK (checker_staff_id IS NULL OR checker_staff_id <> maker_staff_id)
	)`,
}
