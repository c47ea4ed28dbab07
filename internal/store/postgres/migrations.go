package postgres

// Migrations returns the schema statements, applied in order.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			role       TEXT NOT NULL DEFAULT 'standard',
			balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Raw identity record -> canonical account.
		`CREATE TABLE IF NOT EXISTS account_identities (
			store_id   TEXT NOT NULL,
			local_id   TEXT NOT NULL,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			email      TEXT NOT NULL,
			linked_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (store_id, local_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_account_identities_account ON account_identities (account_id)`,

		// Usage log. Append-only: the store never issues UPDATE or DELETE here.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id            BIGSERIAL PRIMARY KEY,
			account_id    TEXT NOT NULL REFERENCES accounts(id),
			amount        BIGINT NOT NULL CHECK (amount <> 0),
			balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
			kind          TEXT NOT NULL,
			context       JSONB NOT NULL DEFAULT '{}',
			refund_of     BIGINT REFERENCES ledger_entries(id),
			created_at    TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_time ON ledger_entries (account_id, created_at DESC, id DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_refund_of ON ledger_entries (refund_of) WHERE refund_of IS NOT NULL`,
	}
}
