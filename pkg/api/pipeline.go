package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/privatedb/agent/pkg/audit"
	"github.com/privatedb/agent/pkg/auth"
	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/executor"
	"github.com/privatedb/agent/pkg/metering"
	"github.com/privatedb/agent/pkg/policy"
	"github.com/privatedb/agent/pkg/receipts"
	"github.com/privatedb/agent/pkg/schema"
	"github.com/privatedb/agent/pkg/tasks"
)

// Pipeline executes the staged request ladder: validate, authenticate,
// evaluate policy, execute, then always receipt and audit. The first failing
// stage decides the response; receipt and audit run regardless.
type Pipeline struct {
	cfg    *config.Config
	auth   *auth.Authenticator
	rules  *policy.Rules
	grants *policy.GrantStore
	exec   *executor.Executor
	drafts *schema.DraftStore
	issuer *receipts.Issuer
	sink   *audit.Sink
	meter  *metering.Meter
	logger *slog.Logger

	taskStore *tasks.Store
	idem      *tasks.Idempotency
	pool      *tasks.Pool
}

// NewPipeline wires the stages together.
func NewPipeline(
	cfg *config.Config,
	authn *auth.Authenticator,
	rules *policy.Rules,
	grants *policy.GrantStore,
	exec *executor.Executor,
	drafts *schema.DraftStore,
	issuer *receipts.Issuer,
	sink *audit.Sink,
	meter *metering.Meter,
	logger *slog.Logger,
	taskStore *tasks.Store,
	idem *tasks.Idempotency,
	pool *tasks.Pool,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg: cfg, auth: authn, rules: rules, grants: grants, exec: exec,
		drafts: drafts, issuer: issuer, sink: sink, meter: meter, logger: logger,
		taskStore: taskStore, idem: idem, pool: pool,
	}
}

func deny(stage contracts.Stage, code, message string) contracts.Decision {
	return contracts.Decision{Outcome: contracts.OutcomeDeny, Stage: stage, Code: code, Message: message}
}

func allow(message string) contracts.Decision {
	return contracts.Decision{
		Outcome: contracts.OutcomeAllow,
		Stage:   contracts.StageExecution,
		Code:    contracts.CodeAllowed,
		Message: message,
	}
}

// finish issues the receipt, appends the audit row, meters the request, and
// assembles the response envelope. It runs for every outcome.
func (p *Pipeline) finish(ctx context.Context, route string, start time.Time, facet contracts.RequestFacet, decision contracts.Decision) *Response {
	receipt, err := p.issuer.Issue(facet, decision)
	if err != nil {
		p.logger.Error("receipt issue failed", slog.String("requestId", facet.RequestID), slog.Any("error", err))
	}

	status := p.sink.Record(ctx, contracts.AuditRecord{
		RequestID:     facet.RequestID,
		TenantID:      facet.TenantID,
		Requester:     facet.Requester,
		Capability:    facet.Capability,
		QueryTemplate: facet.QueryTemplate,
		Decision:      decision,
	})
	if status.Code == contracts.CodeAuditWriteFailed {
		p.meter.AuditFailure()
	}
	p.meter.Observe(route, decision, time.Since(start))

	return &Response{
		RequestID: facet.RequestID,
		Code:      decision.Code,
		Message:   decision.Message,
		Decision:  decision,
		Receipt:   receipt,
		Audit:     &status,
	}
}

// queryFacet builds the receipt request facet for a query envelope.
func queryFacet(req *contracts.QueryRequest) contracts.RequestFacet {
	facet := contracts.RequestFacet{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		Requester:     strings.ToLower(req.Requester),
		Capability:    req.Capability,
		QueryTemplate: req.QueryTemplate,
		QueryParams:   req.QueryParams,
	}
	if req.Auth != nil {
		facet.AuthNonce = req.Auth.Nonce
		facet.AuthSignedAt = req.Auth.SignedAt
	}
	return facet
}

// Query runs the full pipeline for one query envelope. preauth carries an
// already-verified identity for the A2A channel; nil means wallet auth runs.
func (p *Pipeline) Query(ctx context.Context, route string, req *contracts.QueryRequest, preauth *auth.Result) (int, *Response) {
	start := time.Now()
	facet := queryFacet(req)

	// Stage 1: validation.
	if code, msg := validateQuery(req); code != "" {
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, deny(contracts.StageValidation, code, msg))
	}

	// Stage 2: authentication.
	if preauth == nil {
		res := p.auth.VerifyQuery(req)
		if !res.OK {
			return http.StatusUnauthorized, p.finish(ctx, route, start, facet, deny(contracts.StageAuthentication, res.Code, res.Message))
		}
		facet.Requester = res.Requester
	} else if preauth.Requester != "" {
		facet.Requester = preauth.Requester
	}

	// Stage 3: capability policy.
	capDecision := p.rules.Evaluate(facet.Requester, req.Capability, req.QueryTemplate)
	if !capDecision.Allowed() {
		d := deny(contracts.StagePolicy, capDecision.Code, capDecision.Message)
		resp := p.finish(ctx, route, start, facet, d)
		return http.StatusForbidden, resp
	}

	// Stage 4: execution under the request deadline.
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	result, failure := p.exec.ExecuteTemplate(execCtx, req.Capability, req.QueryTemplate, req.QueryParams)
	if failure != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			d := deny(contracts.StageService, contracts.CodeRequestTimeout, "request deadline exceeded")
			return http.StatusGatewayTimeout, p.finish(ctx, route, start, facet, d)
		}
		d := deny(contracts.StageExecution, failure.Code, failure.Message)
		return failure.Status, p.finish(ctx, route, start, facet, d)
	}

	resp := p.finish(ctx, route, start, facet, allow("query executed"))
	resp.Result = result
	return http.StatusOK, resp
}

func validateQuery(req *contracts.QueryRequest) (code, message string) {
	switch {
	case req.RequestID == "":
		return contracts.CodeMissingField, "requestId is required"
	case req.Requester == "":
		return contracts.CodeMissingField, "requester is required"
	case req.Capability == "":
		return contracts.CodeMissingField, "capability is required"
	case req.QueryTemplate == "":
		return contracts.CodeMissingField, "queryTemplate is required"
	}
	if req.TenantID != "" && !contracts.ValidTenantID(req.TenantID) {
		return contracts.CodeInvalidTenant, "tenantId must match ^[a-z0-9][a-z0-9_-]{0,62}$"
	}
	return "", ""
}
