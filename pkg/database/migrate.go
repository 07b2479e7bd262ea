package database

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate installs the fixed schema and seeds the canonical template tables.
// Statements are idempotent so restarts are safe.
func migrate(ctx context.Context, db *sql.DB, dialect string) error {
	for _, stmt := range schemaStatements(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: migrate: %w", err)
		}
	}
	return seed(ctx, db, dialect)
}

func schemaStatements(dialect string) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS wallet_balances (
			wallet_address TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			asset TEXT NOT NULL,
			amount TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (wallet_address, chain_id, asset)
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_positions (
			wallet_address TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			position TEXT NOT NULL,
			value_usd TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (wallet_address, chain_id, protocol, position)
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_transactions (
			tx_hash TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			direction TEXT NOT NULL,
			asset TEXT NOT NULL,
			amount TEXT NOT NULL,
			block_time TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS access_log (
			id %s,
			wallet_address TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL
		)`, serial),
		`CREATE TABLE IF NOT EXISTS decision_audit (
			request_id TEXT NOT NULL,
			tenant_id TEXT,
			requester TEXT,
			capability TEXT,
			query_template TEXT,
			outcome TEXT NOT NULL,
			stage TEXT NOT NULL,
			code TEXT NOT NULL,
			message TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policy_grants (
			grant_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			wallet_address TEXT NOT NULL,
			scope_type TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			effect TEXT NOT NULL,
			issued_by TEXT NOT NULL,
			issued_at TEXT NOT NULL,
			signature_hash TEXT NOT NULL,
			UNIQUE (tenant_id, wallet_address, scope_type, scope_id, operation, effect)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			result TEXT,
			error_code TEXT,
			error_message TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			agent_id TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			body_hash TEXT NOT NULL,
			task_id TEXT NOT NULL,
			terminal TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (agent_id, idem_key)
		)`,
		`CREATE TABLE IF NOT EXISTS ai_drafts (
			draft_id TEXT PRIMARY KEY,
			draft_hash TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			signer_address TEXT NOT NULL,
			kind TEXT NOT NULL,
			verification TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ai_approvals (
			approval_id TEXT PRIMARY KEY,
			draft_id TEXT NOT NULL,
			draft_hash TEXT NOT NULL,
			approved_by TEXT NOT NULL,
			approved_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_schemas (
			tenant_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			definition TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, table_name)
		)`,
	}
}

// seed installs deterministic sample rows for the canonical templates so a
// fresh database answers balance/position/transaction reads. Conflicts are
// ignored on reruns.
func seed(ctx context.Context, db *sql.DB, dialect string) error {
	const conflict = " ON CONFLICT DO NOTHING"
	type seedStmt struct {
		sql  string
		args []any
	}
	const demoWallet = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	stmts := []seedStmt{
		{
			sql: `INSERT INTO wallet_balances (wallet_address, chain_id, asset, amount, updated_at)
				VALUES (?, ?, ?, ?, ?)` + conflict,
			args: []any{demoWallet, 1, "ETH", "4.2500", "2026-01-15T00:00:00Z"},
		},
		{
			sql: `INSERT INTO wallet_balances (wallet_address, chain_id, asset, amount, updated_at)
				VALUES (?, ?, ?, ?, ?)` + conflict,
			args: []any{demoWallet, 1, "USDC", "15000.00", "2026-01-15T00:00:00Z"},
		},
		{
			sql: `INSERT INTO wallet_positions (wallet_address, chain_id, protocol, position, value_usd, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)` + conflict,
			args: []any{demoWallet, 1, "aave-v3", "aEthUSDC", "10250.55", "2026-01-15T00:00:00Z"},
		},
		{
			sql: `INSERT INTO wallet_transactions (tx_hash, wallet_address, chain_id, direction, asset, amount, block_time)
				VALUES (?, ?, ?, ?, ?, ?, ?)` + conflict,
			args: []any{
				"0x5fe0e9d0c9c8a8c35407d3a0bb8f0d51e1aa81f04f2d8ab315bcfbd5b0a384f1",
				demoWallet, 1, "in", "USDC", "5000.00", "2026-01-14T18:30:00Z",
			},
		},
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, Rebind(dialect, s.sql), s.args...); err != nil {
			return fmt.Errorf("database: seed: %w", err)
		}
	}
	return nil
}
