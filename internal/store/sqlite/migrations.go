package sqlite

// Migrations returns the schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
// Timestamps are stored as unix nanoseconds.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			role       TEXT NOT NULL DEFAULT 'standard',
			balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			active     INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS account_identities (
			store_id   TEXT NOT NULL,
			local_id   TEXT NOT NULL,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			email      TEXT NOT NULL,
			linked_at  INTEGER NOT NULL,
			PRIMARY KEY (store_id, local_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id    TEXT NOT NULL REFERENCES accounts(id),
			amount        INTEGER NOT NULL CHECK (amount <> 0),
			balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
			kind          TEXT NOT NULL,
			context       TEXT NOT NULL DEFAULT '{}',
			refund_of     INTEGER REFERENCES ledger_entries(id),
			created_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_time ON ledger_entries (account_id, created_at DESC, id DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_refund_of ON ledger_entries (refund_of) WHERE refund_of IS NOT NULL`,
	}
}
