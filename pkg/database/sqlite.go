package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type sqliteAdapter struct {
	db *sql.DB
}

// openSQLite opens (or creates) the embedded file store and migrates it.
// Path ":memory:" yields an isolated throwaway database, used by tests.
func openSQLite(ctx context.Context, path string) (Adapter, error) {
	dsn := path
	if dsn == "" {
		dsn = "agent.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping sqlite: %w", err)
	}
	if err := migrate(ctx, db, "sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteAdapter{db: db}, nil
}

func (a *sqliteAdapter) Dialect() string { return "sqlite" }

func (a *sqliteAdapter) Execute(ctx context.Context, req Request) (*Result, error) {
	return execute(ctx, a.db, req)
}

func (a *sqliteAdapter) DB() *sql.DB { return a.db }

func (a *sqliteAdapter) Close() error { return a.db.Close() }
