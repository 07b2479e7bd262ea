package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
	"github.com/privatedb/agent/pkg/schema"
)

const (
	dynamicDefaultLimit = 100
	dynamicMaxLimit     = 500
)

// ExecuteData runs one grant-gated dynamic operation against a tenant table.
// Every identifier is resolved against the tenant's registered schema; SQL
// text never contains caller-supplied strings outside bound values.
func (e *Executor) ExecuteData(ctx context.Context, tenantID string, p *contracts.DataExecutePayload) (*database.Result, *Failure) {
	def, physical, err := e.schemas.Table(ctx, tenantID, p.Table)
	if errors.Is(err, schema.ErrUnknownTable) {
		return nil, badRequest(contracts.CodeUnknownTable,
			fmt.Sprintf("table %q is not registered for this tenant", p.Table))
	}
	if err != nil {
		return nil, &Failure{Code: contracts.CodeDBExecutionFailed, Message: err.Error(), Status: http.StatusInternalServerError}
	}

	var req database.Request
	var f *Failure
	switch p.Operation {
	case contracts.OpRead:
		req, f = buildSelect(def, physical, p)
	case contracts.OpInsert:
		req, f = buildInsert(def, physical, p)
	case contracts.OpUpdate:
		req, f = buildUpdate(def, physical, p)
	case contracts.OpDelete:
		req, f = buildDelete(def, physical, p)
	default:
		return nil, badRequest(contracts.CodeInvalidParamValue,
			fmt.Sprintf("operation %q is not executable", p.Operation))
	}
	if f != nil {
		return nil, f
	}

	req.SQL = database.Rebind(e.adapter.Dialect(), req.SQL)
	result, err := e.adapter.Execute(ctx, req)
	if err != nil {
		return nil, &Failure{Code: contracts.CodeDBExecutionFailed, Message: err.Error(), Status: http.StatusInternalServerError}
	}
	return result, nil
}

// resolveColumn maps a caller column name to its quoted identifier, failing
// closed on anything outside the registered definition.
func resolveColumn(def contracts.TableDef, name string) (string, *Failure) {
	if _, err := schema.Column(def, name); err != nil {
		return "", badRequest(contracts.CodeUnknownColumn,
			fmt.Sprintf("column %q is not part of table %q", name, def.Name))
	}
	return schema.QuoteIdentifier(name), nil
}

// sortedKeys gives map-driven clauses a deterministic column order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildWhere(def contracts.TableDef, where map[string]any) (string, []any, *Failure) {
	if len(where) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(where))
	values := make([]any, 0, len(where))
	for _, col := range sortedKeys(where) {
		quoted, f := resolveColumn(def, col)
		if f != nil {
			return "", nil, f
		}
		clauses = append(clauses, quoted+" = ?")
		values = append(values, where[col])
	}
	return " WHERE " + strings.Join(clauses, " AND "), values, nil
}

func buildSelect(def contracts.TableDef, physical string, p *contracts.DataExecutePayload) (database.Request, *Failure) {
	projection := "*"
	if len(p.Columns) > 0 {
		cols := make([]string, 0, len(p.Columns))
		for _, col := range p.Columns {
			quoted, f := resolveColumn(def, col)
			if f != nil {
				return database.Request{}, f
			}
			cols = append(cols, quoted)
		}
		projection = strings.Join(cols, ", ")
	}

	var b strings.Builder
	b.WriteString("SELECT " + projection + " FROM " + physical)

	where, values, f := buildWhere(def, p.Where)
	if f != nil {
		return database.Request{}, f
	}
	b.WriteString(where)

	if len(p.OrderBy) > 0 {
		orders := make([]string, 0, len(p.OrderBy))
		cols := make([]string, 0, len(p.OrderBy))
		for col := range p.OrderBy {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			quoted, f := resolveColumn(def, col)
			if f != nil {
				return database.Request{}, f
			}
			switch strings.ToLower(p.OrderBy[col]) {
			case "asc":
				orders = append(orders, quoted+" ASC")
			case "desc":
				orders = append(orders, quoted+" DESC")
			default:
				return database.Request{}, badRequest(contracts.CodeInvalidParamValue,
					fmt.Sprintf("orderBy direction for %q must be asc or desc", col))
			}
		}
		b.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}

	limit := p.Limit
	if limit <= 0 {
		limit = dynamicDefaultLimit
	}
	if limit > dynamicMaxLimit {
		return database.Request{}, badRequest(contracts.CodeInvalidParamRange,
			fmt.Sprintf("limit must not exceed %d", dynamicMaxLimit))
	}
	b.WriteString(fmt.Sprintf(" LIMIT %d", limit))

	return database.Request{Mode: database.ModeRead, SQL: b.String(), Values: values}, nil
}

func buildInsert(def contracts.TableDef, physical string, p *contracts.DataExecutePayload) (database.Request, *Failure) {
	if len(p.Values) == 0 {
		return database.Request{}, badRequest(contracts.CodeMissingParam, "insert requires values")
	}
	cols := make([]string, 0, len(p.Values))
	marks := make([]string, 0, len(p.Values))
	values := make([]any, 0, len(p.Values))
	for _, col := range sortedKeys(p.Values) {
		quoted, f := resolveColumn(def, col)
		if f != nil {
			return database.Request{}, f
		}
		cols = append(cols, quoted)
		marks = append(marks, "?")
		values = append(values, p.Values[col])
	}
	stmt := "INSERT INTO " + physical + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
	return database.Request{Mode: database.ModeWrite, SQL: stmt, Values: values}, nil
}

func buildUpdate(def contracts.TableDef, physical string, p *contracts.DataExecutePayload) (database.Request, *Failure) {
	if len(p.Values) == 0 {
		return database.Request{}, badRequest(contracts.CodeMissingParam, "update requires values")
	}
	if len(p.Where) == 0 {
		// Unscoped updates are never generated.
		return database.Request{}, badRequest(contracts.CodeMissingParam, "update requires a where clause")
	}
	sets := make([]string, 0, len(p.Values))
	values := make([]any, 0, len(p.Values)+len(p.Where))
	for _, col := range sortedKeys(p.Values) {
		quoted, f := resolveColumn(def, col)
		if f != nil {
			return database.Request{}, f
		}
		sets = append(sets, quoted+" = ?")
		values = append(values, p.Values[col])
	}
	where, whereValues, f := buildWhere(def, p.Where)
	if f != nil {
		return database.Request{}, f
	}
	stmt := "UPDATE " + physical + " SET " + strings.Join(sets, ", ") + where
	return database.Request{Mode: database.ModeWrite, SQL: stmt, Values: append(values, whereValues...)}, nil
}

func buildDelete(def contracts.TableDef, physical string, p *contracts.DataExecutePayload) (database.Request, *Failure) {
	if len(p.Where) == 0 {
		// Unscoped deletes are never generated.
		return database.Request{}, badRequest(contracts.CodeMissingParam, "delete requires a where clause")
	}
	where, values, f := buildWhere(def, p.Where)
	if f != nil {
		return database.Request{}, f
	}
	return database.Request{Mode: database.ModeWrite, SQL: "DELETE FROM " + physical + where, Values: values}, nil
}
