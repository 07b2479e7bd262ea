package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAdapter(t *testing.T) Adapter {
	t.Helper()
	a, err := openSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSQLiteDialect(t *testing.T) {
	a := openTestAdapter(t)
	assert.Equal(t, "sqlite", a.Dialect())
}

func TestMigrationSeedsCanonicalTables(t *testing.T) {
	a := openTestAdapter(t)
	res, err := a.Execute(context.Background(), Request{
		Mode:   ModeRead,
		SQL:    `SELECT wallet_address, chain_id, asset, amount FROM wallet_balances WHERE wallet_address = ? AND chain_id = ?`,
		Values: []any{"0x8ba1f109551bd432803012645ac136ddd64dba72", 1},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.RowCount, 1)
	assert.Equal(t, "0x8ba1f109551bd432803012645ac136ddd64dba72", res.Rows[0]["wallet_address"])
}

func TestMigrationIsIdempotent(t *testing.T) {
	a := openTestAdapter(t)
	require.NoError(t, migrate(context.Background(), a.DB(), "sqlite"))
	require.NoError(t, migrate(context.Background(), a.DB(), "sqlite"))
}

func TestExecuteWriteReturnsRowCount(t *testing.T) {
	a := openTestAdapter(t)
	res, err := a.Execute(context.Background(), Request{
		Mode:   ModeWrite,
		SQL:    `INSERT INTO access_log (wallet_address, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		Values: []any{"0x8ba1f109551bd432803012645ac136ddd64dba72", "login", "test", "2026-01-15T00:00:00Z"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
	assert.Empty(t, res.Rows)
}

func TestExecuteRejectsUnknownMode(t *testing.T) {
	a := openTestAdapter(t)
	_, err := a.Execute(context.Background(), Request{Mode: "scan", SQL: "SELECT 1"})
	require.Error(t, err)
}

func TestRebindPostgres(t *testing.T) {
	got := Rebind("postgres", "SELECT * FROM t WHERE a = ? AND b = ?")
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", got)
	// sqlite passes through untouched
	assert.Equal(t, "a = ?", Rebind("sqlite", "a = ?"))
}

func TestPostgresDSNSSLToggle(t *testing.T) {
	dsn, err := postgresDSN("postgres://agent@db:5432/agent", false)
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=disable")

	dsn, err = postgresDSN("postgres://agent@db:5432/agent", true)
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=require")

	// Explicit sslmode wins.
	dsn, err = postgresDSN("postgres://agent@db:5432/agent?sslmode=verify-full", false)
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=verify-full")
}
