package diamond

// Migrations returns the schema statements for the given SQL driver name.
// Each string is a single statement.
func Migrations(driver string) []string {
	if dialectOf(driver) == dialectSQLite {
		return []string{
			`CREATE TABLE IF NOT EXISTS diamond_accounts (
				user_id        TEXT PRIMARY KEY,
				balance        INTEGER NOT NULL CHECK (balance >= 0),
				max_balance    INTEGER NOT NULL CHECK (max_balance > 0),
				last_refill_at DATETIME NOT NULL,
				created_at     DATETIME NOT NULL,
				updated_at     DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS diamond_transactions (
				seq             INTEGER PRIMARY KEY AUTOINCREMENT,
				id              TEXT NOT NULL UNIQUE,
				user_id         TEXT NOT NULL,
				delta           INTEGER NOT NULL,
				kind            TEXT NOT NULL CHECK (kind IN ('consumption', 'purchase', 'refill')),
				reason          TEXT NOT NULL DEFAULT '',
				idempotency_key TEXT,
				balance_after   INTEGER NOT NULL,
				price           INTEGER NOT NULL DEFAULT 0,
				occurred_at     DATETIME NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_diamond_tx_idempotency
				ON diamond_transactions(user_id, idempotency_key)
				WHERE idempotency_key IS NOT NULL`,
			`CREATE INDEX IF NOT EXISTS ix_diamond_tx_user
				ON diamond_transactions(user_id, occurred_at, seq)`,
		}
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS diamond_accounts (
			user_id        TEXT PRIMARY KEY,
			balance        INTEGER NOT NULL CHECK (balance >= 0),
			max_balance    INTEGER NOT NULL CHECK (max_balance > 0),
			last_refill_at TIMESTAMPTZ NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS diamond_transactions (
			seq             BIGSERIAL PRIMARY KEY,
			id              UUID NOT NULL UNIQUE,
			user_id         TEXT NOT NULL REFERENCES diamond_accounts(user_id) ON DELETE CASCADE,
			delta           INTEGER NOT NULL,
			kind            TEXT NOT NULL CHECK (kind IN ('consumption', 'purchase', 'refill')),
			reason          TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			balance_after   INTEGER NOT NULL,
			price           INTEGER NOT NULL DEFAULT 0,
			occurred_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_diamond_tx_idempotency
			ON diamond_transactions(user_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ix_diamond_tx_user
			ON diamond_transactions(user_id, occurred_at DESC, seq DESC)`,
	}
}
