package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

func sampleRecord() contracts.AuditRecord {
	return contracts.AuditRecord{
		RequestID:     "req-1",
		TenantID:      "acme",
		Requester:     "0x8ba1f109551bd432803012645ac136ddd64dba72",
		Capability:    "balances:read",
		QueryTemplate: "wallet_balances",
		Decision: contracts.Decision{
			Outcome: contracts.OutcomeAllow,
			Stage:   contracts.StageExecution,
			Code:    contracts.CodeAllowed,
			Message: "ok",
		},
	}
}

func TestRecordWritesRow(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{DBDriver: "sqlite", SQLiteFilePath: ":memory:"}
	adapter, err := database.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	s := NewSink(true, adapter, nil)
	status := s.Record(ctx, sampleRecord())
	assert.Equal(t, contracts.AuditStatus{Logged: true, Code: contracts.CodeAuditLogged}, status)

	var outcome, code string
	err = adapter.DB().QueryRowContext(ctx,
		`SELECT outcome, code FROM decision_audit WHERE request_id = ?`, "req-1").
		Scan(&outcome, &code)
	require.NoError(t, err)
	assert.Equal(t, "allow", outcome)
	assert.Equal(t, contracts.CodeAllowed, code)
}

func TestRecordDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{DBDriver: "sqlite", SQLiteFilePath: ":memory:"}
	adapter, err := database.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	s := NewSink(false, adapter, nil)
	status := s.Record(ctx, sampleRecord())
	assert.Equal(t, contracts.AuditStatus{Logged: false, Code: contracts.CodeAuditDisabled}, status)
}

// mockAdapter satisfies database.Adapter over a sqlmock handle so write
// failures can be injected.
type mockAdapter struct{ db *sql.DB }

func (m *mockAdapter) Dialect() string { return "sqlite" }
func (m *mockAdapter) DB() *sql.DB     { return m.db }
func (m *mockAdapter) Close() error    { return m.db.Close() }
func (m *mockAdapter) Execute(ctx context.Context, req database.Request) (*database.Result, error) {
	return nil, errors.New("not implemented")
}

func TestRecordReportsWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("INSERT INTO decision_audit").
		WillReturnError(errors.New("disk full"))

	s := NewSink(true, &mockAdapter{db: db}, nil)
	status := s.Record(context.Background(), sampleRecord())
	assert.Equal(t, contracts.AuditStatus{Logged: false, Code: contracts.CodeAuditWriteFailed}, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
