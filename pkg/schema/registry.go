// Package schema manages per-tenant table definitions installed through
// schema:apply and the AI draft/approval records that gate assisted applies.
// The registry is the only source of identifiers the dynamic data path may
// bind, which keeps arbitrary SQL out of data:execute.
package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

var (
	// ErrUnknownTable is returned when a tenant has no registered table by
	// that name.
	ErrUnknownTable = errors.New("schema: unknown table")
	// ErrUnknownColumn is returned when a registered table has no such column.
	ErrUnknownColumn = errors.New("schema: unknown column")
)

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidIdentifier reports whether s may name a tenant table or column.
func ValidIdentifier(s string) bool { return identifierPattern.MatchString(s) }

// columnTypes maps the logical column types of a table definition to SQL
// types per dialect.
var columnTypes = map[string]map[string]string{
	"sqlite": {
		"text":      "TEXT",
		"integer":   "INTEGER",
		"number":    "REAL",
		"boolean":   "INTEGER",
		"timestamp": "TEXT",
	},
	"postgres": {
		"text":      "TEXT",
		"integer":   "BIGINT",
		"number":    "DOUBLE PRECISION",
		"boolean":   "BOOLEAN",
		"timestamp": "TIMESTAMPTZ",
	},
}

// Registry persists tenant table definitions and installs the backing
// physical tables. Definitions are cached per tenant after first load.
type Registry struct {
	adapter database.Adapter
	db      *sql.DB
	dialect string
	now     func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantTables
}

type tenantTables struct {
	mu     sync.RWMutex
	loaded bool
	tables map[string]contracts.TableDef
}

// NewRegistry builds the registry over the adapter.
func NewRegistry(adapter database.Adapter) *Registry {
	return &Registry{
		adapter: adapter,
		db:      adapter.DB(),
		dialect: adapter.Dialect(),
		now:     time.Now,
		tenants: make(map[string]*tenantTables),
	}
}

func (r *Registry) tenant(tenantID string) *tenantTables {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.tenants[tenantID]
	if !ok {
		tt = &tenantTables{tables: make(map[string]contracts.TableDef)}
		r.tenants[tenantID] = tt
	}
	return tt
}

func (r *Registry) load(ctx context.Context, tt *tenantTables, tenantID string) error {
	if tt.loaded {
		return nil
	}
	query := database.Rebind(r.dialect,
		`SELECT table_name, definition FROM tenant_schemas WHERE tenant_id = ?`)
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("schema: load registry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, definition string
		if err := rows.Scan(&name, &definition); err != nil {
			return fmt.Errorf("schema: scan registry row: %w", err)
		}
		var def contracts.TableDef
		if err := json.Unmarshal([]byte(definition), &def); err != nil {
			return fmt.Errorf("schema: decode table %s: %w", name, err)
		}
		tt.tables[name] = def
	}
	if err := rows.Err(); err != nil {
		return err
	}
	tt.loaded = true
	return nil
}

// Apply validates the table definitions, creates the physical tables, and
// registers (or rewrites) the definitions for the tenant.
func (r *Registry) Apply(ctx context.Context, tenantID string, tables []contracts.TableDef) error {
	for _, def := range tables {
		if err := validateTableDef(def); err != nil {
			return err
		}
	}

	tt := r.tenant(tenantID)
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if err := r.load(ctx, tt, tenantID); err != nil {
		return err
	}

	for _, def := range tables {
		ddl, err := r.createTableDDL(tenantID, def)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("schema: create table %s: %w", def.Name, err)
		}

		encoded, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("schema: encode table %s: %w", def.Name, err)
		}
		upsert := database.Rebind(r.dialect, `
			INSERT INTO tenant_schemas (tenant_id, table_name, definition, applied_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, table_name)
			DO UPDATE SET definition = excluded.definition, applied_at = excluded.applied_at`)
		appliedAt := r.now().UTC().Format(time.RFC3339)
		if _, err := r.db.ExecContext(ctx, upsert, tenantID, def.Name, string(encoded), appliedAt); err != nil {
			return fmt.Errorf("schema: register table %s: %w", def.Name, err)
		}
		tt.tables[def.Name] = def
	}
	return nil
}

// Table returns the registered definition and physical name for a tenant
// table.
func (r *Registry) Table(ctx context.Context, tenantID, table string) (contracts.TableDef, string, error) {
	tt := r.tenant(tenantID)
	tt.mu.Lock()
	if err := r.load(ctx, tt, tenantID); err != nil {
		tt.mu.Unlock()
		return contracts.TableDef{}, "", err
	}
	tt.mu.Unlock()

	tt.mu.RLock()
	defer tt.mu.RUnlock()
	def, ok := tt.tables[table]
	if !ok {
		return contracts.TableDef{}, "", ErrUnknownTable
	}
	return def, PhysicalName(tenantID, table), nil
}

// Tables lists the tenant's registered table names in order.
func (r *Registry) Tables(ctx context.Context, tenantID string) ([]string, error) {
	tt := r.tenant(tenantID)
	tt.mu.Lock()
	if err := r.load(ctx, tt, tenantID); err != nil {
		tt.mu.Unlock()
		return nil, err
	}
	tt.mu.Unlock()

	tt.mu.RLock()
	defer tt.mu.RUnlock()
	names := make([]string, 0, len(tt.tables))
	for name := range tt.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Column resolves a column of a registered table, returning its definition.
func Column(def contracts.TableDef, name string) (contracts.ColumnDef, error) {
	for _, col := range def.Columns {
		if col.Name == name {
			return col, nil
		}
	}
	return contracts.ColumnDef{}, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, def.Name, name)
}

// PhysicalName returns the backing table name for a tenant table. The tenant
// prefix keeps tenants from colliding inside a shared database; the name is
// always emitted double-quoted.
func PhysicalName(tenantID, table string) string {
	return QuoteIdentifier(tenantID + "__" + table)
}

// QuoteIdentifier wraps an identifier in double quotes, escaping embedded
// quotes. Works for both supported dialects.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func validateTableDef(def contracts.TableDef) error {
	if !ValidIdentifier(def.Name) {
		return fmt.Errorf("schema: invalid table name %q", def.Name)
	}
	if len(def.Columns) == 0 {
		return fmt.Errorf("schema: table %s has no columns", def.Name)
	}
	seen := make(map[string]bool, len(def.Columns))
	for _, col := range def.Columns {
		if !ValidIdentifier(col.Name) {
			return fmt.Errorf("schema: invalid column name %q in table %s", col.Name, def.Name)
		}
		if seen[col.Name] {
			return fmt.Errorf("schema: duplicate column %s in table %s", col.Name, def.Name)
		}
		seen[col.Name] = true
	}
	return nil
}

func (r *Registry) createTableDDL(tenantID string, def contracts.TableDef) (string, error) {
	types, ok := columnTypes[r.dialect]
	if !ok {
		return "", fmt.Errorf("schema: unsupported dialect %q", r.dialect)
	}
	cols := make([]string, 0, len(def.Columns))
	for _, col := range def.Columns {
		sqlType, ok := types[col.Type]
		if !ok {
			return "", fmt.Errorf("schema: unsupported column type %q for %s.%s", col.Type, def.Name, col.Name)
		}
		cols = append(cols, QuoteIdentifier(col.Name)+" "+sqlType)
	}
	return "CREATE TABLE IF NOT EXISTS " + PhysicalName(tenantID, def.Name) +
		" (" + strings.Join(cols, ", ") + ")", nil
}
