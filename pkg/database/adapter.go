// Package database opens the backing store and exposes the mode-aware
// execute contract every query path dispatches to. Two dialects are
// supported: an embedded sqlite file store and an external postgres store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/privatedb/agent/pkg/config"
)

// Mode separates row-returning statements from mutations. Both adapter
// implementations honor the same contract: Execute returns rowCount and rows
// for either mode.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Request is one statement to run.
type Request struct {
	Mode   Mode
	SQL    string
	Values []any
}

// Result is the uniform execution result.
type Result struct {
	RowCount int              `json:"rowCount"`
	Rows     []map[string]any `json:"rows"`
}

// Adapter is the storage backend. Implementations must be safe for
// concurrent Execute calls; pooling is internal to the implementation.
type Adapter interface {
	Dialect() string
	Execute(ctx context.Context, req Request) (*Result, error)
	DB() *sql.DB
	Close() error
}

// Open builds the adapter selected by DB_DRIVER and runs migrations.
func Open(ctx context.Context, cfg *config.Config) (Adapter, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return openSQLite(ctx, cfg.SQLiteFilePath)
	case "postgres":
		return openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.DBDriver)
	}
}

// Rebind rewrites ?-style placeholders to the dialect's native form.
// sqlite passes through; postgres gets $1..$n.
func Rebind(dialect, query string) string {
	if dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execute is the shared statement runner for both adapters.
func execute(ctx context.Context, db *sql.DB, req Request) (*Result, error) {
	switch req.Mode {
	case ModeRead:
		rows, err := db.QueryContext(ctx, req.SQL, req.Values...)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()
		return collectRows(rows)
	case ModeWrite:
		res, err := db.ExecContext(ctx, req.SQL, req.Values...)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = 0
		}
		return &Result{RowCount: int(affected), Rows: []map[string]any{}}, nil
	default:
		return nil, fmt.Errorf("database: unknown mode %q", req.Mode)
	}
}

func collectRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, 16)
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(raw[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Result{RowCount: len(out), Rows: out}, nil
}

// normalizeValue makes driver values JSON-friendly. Both drivers hand back
// []byte for text columns in some paths.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}
