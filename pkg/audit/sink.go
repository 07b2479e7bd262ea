// Package audit appends one decision row per request to the backing store.
// Audit is best effort: a failed write is reported on the response but never
// changes the decision outcome.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

// Sink writes decision audit rows.
type Sink struct {
	enabled bool
	db      *sql.DB
	dialect string
	logger  *slog.Logger
	now     func() time.Time
}

// NewSink builds the sink over the adapter. A disabled sink reports
// AUDIT_DISABLED on every record.
func NewSink(enabled bool, adapter database.Adapter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		enabled: enabled,
		db:      adapter.DB(),
		dialect: adapter.Dialect(),
		logger:  logger,
		now:     time.Now,
	}
}

// Record writes one audit row and reports the attempt. The caller attaches
// the returned status to the response as-is.
func (s *Sink) Record(ctx context.Context, rec contracts.AuditRecord) contracts.AuditStatus {
	if !s.enabled {
		return contracts.AuditStatus{Logged: false, Code: contracts.CodeAuditDisabled}
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	query := database.Rebind(s.dialect, `
		INSERT INTO decision_audit (request_id, tenant_id, requester, capability,
			query_template, outcome, stage, code, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.RequestID, rec.TenantID, rec.Requester, rec.Capability, rec.QueryTemplate,
		string(rec.Decision.Outcome), string(rec.Decision.Stage), rec.Decision.Code,
		rec.Decision.Message, createdAt.UTC().Format(time.RFC3339))
	if err != nil {
		s.logger.Error("audit write failed",
			slog.String("requestId", rec.RequestID),
			slog.String("code", rec.Decision.Code),
			slog.Any("error", err))
		return contracts.AuditStatus{Logged: false, Code: contracts.CodeAuditWriteFailed}
	}
	return contracts.AuditStatus{Logged: true, Code: contracts.CodeAuditLogged}
}
