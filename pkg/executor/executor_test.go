package executor

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
	"github.com/privatedb/agent/pkg/schema"
	"github.com/privatedb/agent/pkg/templates"
)

const demoWallet = "0x8ba1f109551bd432803012645ac136ddd64dba72"

func newTestExecutor(t *testing.T, enforceMode bool) (*Executor, *schema.Registry) {
	t.Helper()
	cfg := &config.Config{DBDriver: "sqlite", SQLiteFilePath: ":memory:"}
	adapter, err := database.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	schemas := schema.NewRegistry(adapter)
	return New(adapter, templates.Default(), schemas, enforceMode), schemas
}

func TestExecuteTemplateReadsSeededBalances(t *testing.T) {
	e, _ := newTestExecutor(t, false)

	result, f := e.ExecuteTemplate(context.Background(), "balances:read", "wallet_balances",
		map[string]any{"walletAddress": demoWallet, "chainId": 1})
	require.Nil(t, f)
	require.Equal(t, 2, result.RowCount)
	assert.Equal(t, "ETH", result.Rows[0]["asset"])
	assert.Equal(t, "USDC", result.Rows[1]["asset"])
}

func TestExecuteTemplateWriteReturnsRowCount(t *testing.T) {
	e, _ := newTestExecutor(t, false)

	result, f := e.ExecuteTemplate(context.Background(), "audit:write", "access_log_insert", map[string]any{
		"walletAddress": demoWallet,
		"action":        "read",
		"occurredAt":    "2026-02-17T10:00:00Z",
	})
	require.Nil(t, f)
	assert.Equal(t, 1, result.RowCount)
	assert.Empty(t, result.Rows)
}

func TestExecuteTemplateUnknownTemplate(t *testing.T) {
	e, _ := newTestExecutor(t, false)
	_, f := e.ExecuteTemplate(context.Background(), "balances:read", "nope", nil)
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeUnknownQueryTemplate, f.Code)
	assert.Equal(t, http.StatusBadRequest, f.Status)
}

func TestExecuteTemplateCapabilityModeMismatch(t *testing.T) {
	e, _ := newTestExecutor(t, true)
	_, f := e.ExecuteTemplate(context.Background(), "audit:read", "access_log_insert", map[string]any{
		"walletAddress": demoWallet,
		"action":        "read",
		"occurredAt":    "2026-02-17T10:00:00Z",
	})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeCapabilityModeMismatch, f.Code)
	assert.Equal(t, http.StatusForbidden, f.Status)

	// Without enforcement the same request executes.
	e2, _ := newTestExecutor(t, false)
	_, f = e2.ExecuteTemplate(context.Background(), "audit:read", "access_log_insert", map[string]any{
		"walletAddress": demoWallet,
		"action":        "read",
		"occurredAt":    "2026-02-17T10:00:00Z",
	})
	assert.Nil(t, f)
}

func TestExecuteTemplateParamFailures(t *testing.T) {
	e, _ := newTestExecutor(t, false)
	ctx := context.Background()

	_, f := e.ExecuteTemplate(ctx, "balances:read", "wallet_balances", map[string]any{"chainId": 1})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeMissingParam, f.Code)

	_, f = e.ExecuteTemplate(ctx, "balances:read", "wallet_balances",
		map[string]any{"walletAddress": demoWallet, "chainId": 1, "limit": 501})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeInvalidParamRange, f.Code)

	_, f = e.ExecuteTemplate(ctx, "balances:read", "wallet_balances",
		map[string]any{"walletAddress": demoWallet, "chainId": 1, "extra": true})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeUnknownParam, f.Code)
	assert.Contains(t, f.Allowed, "walletAddress")
}

func TestExecuteTemplateUnsupportedDialect(t *testing.T) {
	e, _ := newTestExecutor(t, false)
	// A registry entry with no SQL for the active dialect.
	e.templates = templates.NewRegistry(&templates.Template{
		Name: "pg_only",
		Mode: database.ModeRead,
		SQL:  map[string]string{"postgres": "SELECT 1"},
		Bind: func(map[string]any) []any { return nil },
	})
	_, f := e.ExecuteTemplate(context.Background(), "x:read", "pg_only", nil)
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeUnsupportedDialect, f.Code)
	assert.Equal(t, http.StatusInternalServerError, f.Status)
}

func TestExecuteTemplateDBFailure(t *testing.T) {
	e, _ := newTestExecutor(t, false)
	e.templates = templates.NewRegistry(&templates.Template{
		Name: "broken",
		Mode: database.ModeRead,
		SQL:  map[string]string{"sqlite": "SELECT * FROM table_that_is_missing"},
		Bind: func(map[string]any) []any { return nil },
	})
	_, f := e.ExecuteTemplate(context.Background(), "x:read", "broken", nil)
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeDBExecutionFailed, f.Code)
	assert.Equal(t, http.StatusInternalServerError, f.Status)
}

func applyOrders(t *testing.T, schemas *schema.Registry) {
	t.Helper()
	require.NoError(t, schemas.Apply(context.Background(), "acme", []contracts.TableDef{{
		Name: "orders",
		Columns: []contracts.ColumnDef{
			{Name: "order_id", Type: "text"},
			{Name: "amount", Type: "number"},
			{Name: "status", Type: "text"},
		},
	}}))
}

func TestExecuteDataCRUDRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, schemas := newTestExecutor(t, false)
	applyOrders(t, schemas)

	// insert
	result, f := e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpInsert,
		Table:     "orders",
		Values:    map[string]any{"order_id": "ord-1", "amount": 19.5, "status": "open"},
	})
	require.Nil(t, f)
	assert.Equal(t, 1, result.RowCount)

	_, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpInsert,
		Table:     "orders",
		Values:    map[string]any{"order_id": "ord-2", "amount": 7.25, "status": "open"},
	})
	require.Nil(t, f)

	// read with projection and ordering
	result, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpRead,
		Table:     "orders",
		Columns:   []string{"order_id", "amount"},
		Where:     map[string]any{"status": "open"},
		OrderBy:   map[string]string{"amount": "desc"},
	})
	require.Nil(t, f)
	require.Equal(t, 2, result.RowCount)
	assert.Equal(t, "ord-1", result.Rows[0]["order_id"])
	_, projected := result.Rows[0]["status"]
	assert.False(t, projected)

	// update
	result, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpUpdate,
		Table:     "orders",
		Values:    map[string]any{"status": "shipped"},
		Where:     map[string]any{"order_id": "ord-1"},
	})
	require.Nil(t, f)
	assert.Equal(t, 1, result.RowCount)

	// delete
	result, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpDelete,
		Table:     "orders",
		Where:     map[string]any{"order_id": "ord-2"},
	})
	require.Nil(t, f)
	assert.Equal(t, 1, result.RowCount)

	result, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpRead,
		Table:     "orders",
	})
	require.Nil(t, f)
	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, "shipped", result.Rows[0]["status"])
}

func TestExecuteDataIdentifierFailures(t *testing.T) {
	ctx := context.Background()
	e, schemas := newTestExecutor(t, false)
	applyOrders(t, schemas)

	_, f := e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpRead,
		Table:     "invoices",
	})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeUnknownTable, f.Code)

	_, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpRead,
		Table:     "orders",
		Where:     map[string]any{"secret_column": 1},
	})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeUnknownColumn, f.Code)

	_, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpInsert,
		Table:     "orders",
		Values:    map[string]any{"not_a_column": "x"},
	})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeUnknownColumn, f.Code)
}

func TestExecuteDataGuards(t *testing.T) {
	ctx := context.Background()
	e, schemas := newTestExecutor(t, false)
	applyOrders(t, schemas)

	_, f := e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpUpdate,
		Table:     "orders",
		Values:    map[string]any{"status": "x"},
	})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeMissingParam, f.Code)

	_, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpDelete,
		Table:     "orders",
	})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeMissingParam, f.Code)

	_, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpRead,
		Table:     "orders",
		Limit:     501,
	})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeInvalidParamRange, f.Code)

	_, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpRead,
		Table:     "orders",
		OrderBy:   map[string]string{"amount": "sideways"},
	})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeInvalidParamValue, f.Code)

	_, f = e.ExecuteData(ctx, "acme", &contracts.DataExecutePayload{
		Operation: contracts.OpAlter,
		Table:     "orders",
	})
	require.NotNil(t, f)
	assert.Equal(t, contracts.CodeInvalidParamValue, f.Code)
}
