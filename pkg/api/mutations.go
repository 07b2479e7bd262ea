package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/privatedb/agent/pkg/canonicalize"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/policy"
	"github.com/privatedb/agent/pkg/schema"
)

// mutationFacet builds the receipt facet for a control-plane envelope. The
// action takes the template slot; the payload decodes into the params slot.
func mutationFacet(req *contracts.PolicyMutationRequest) contracts.RequestFacet {
	var params map[string]any
	_ = json.Unmarshal(req.Payload, &params)

	facet := contracts.RequestFacet{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		Requester:     req.ActorWallet,
		Capability:    "policy:mutate",
		QueryTemplate: string(req.Action),
		QueryParams:   params,
	}
	if req.Auth != nil {
		facet.AuthNonce = req.Auth.Nonce
		facet.AuthSignedAt = req.Auth.SignedAt
	}
	return facet
}

// Mutate runs the control-plane pipeline for one signed mutation envelope.
// allowed restricts which actions the receiving endpoint accepts.
func (p *Pipeline) Mutate(ctx context.Context, route string, req *contracts.PolicyMutationRequest, allowedActions ...contracts.MutationAction) (int, *Response) {
	start := time.Now()
	facet := mutationFacet(req)

	if code, msg := validateMutation(req, allowedActions); code != "" {
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, deny(contracts.StageValidation, code, msg))
	}

	res := p.auth.VerifyMutation(req)
	if !res.OK {
		return http.StatusUnauthorized, p.finish(ctx, route, start, facet, deny(contracts.StageAuthentication, res.Code, res.Message))
	}
	actor := res.Requester
	facet.Requester = actor

	switch req.Action {
	case contracts.ActionSchemaSubmit:
		return p.schemaSubmit(ctx, route, start, facet, req)
	case contracts.ActionSchemaApply:
		return p.schemaApply(ctx, route, start, facet, req, actor)
	case contracts.ActionGrantCreate:
		return p.grantCreate(ctx, route, start, facet, req, actor)
	case contracts.ActionGrantRevoke:
		return p.grantRevoke(ctx, route, start, facet, req, actor)
	case contracts.ActionAIDraftApprove:
		return p.approveDraft(ctx, route, start, facet, req, actor)
	case contracts.ActionDataExecute:
		return p.dataExecute(ctx, route, start, facet, req, actor)
	default:
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, "unrecognized action")
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}
}

func validateMutation(req *contracts.PolicyMutationRequest, allowed []contracts.MutationAction) (code, message string) {
	switch {
	case req.RequestID == "":
		return contracts.CodeMissingField, "requestId is required"
	case req.TenantID == "":
		return contracts.CodeMissingField, "tenantId is required"
	case req.ActorWallet == "":
		return contracts.CodeMissingField, "actorWallet is required"
	case len(req.Payload) == 0:
		return contracts.CodeMissingField, "payload is required"
	}
	if !contracts.ValidTenantID(req.TenantID) {
		return contracts.CodeInvalidTenant, "tenantId must match ^[a-z0-9][a-z0-9_-]{0,62}$"
	}
	if !contracts.ValidMutationAction(req.Action) {
		return contracts.CodeInvalidRequest, fmt.Sprintf("unknown action %q", req.Action)
	}
	for _, a := range allowed {
		if req.Action == a {
			return "", ""
		}
	}
	return contracts.CodeInvalidRequest, fmt.Sprintf("action %q is not accepted on this endpoint", req.Action)
}

// requireAlter checks the caller's authority over the tenant's policy: an
// explicit database:*:alter allow, or bootstrap privilege while the tenant
// has no grants at all.
func (p *Pipeline) requireAlter(ctx context.Context, tenantID, actor string) (contracts.Decision, bool) {
	decision, err := p.grants.Evaluate(ctx, tenantID, actor, contracts.ScopeDatabase, "*", contracts.OpAlter)
	if err != nil {
		return deny(contracts.StageService, contracts.CodeInternalError, err.Error()), false
	}
	if decision.Allowed {
		return contracts.Decision{}, true
	}
	if decision.Code == contracts.CodePolicyNoMatchingGrant {
		hasAny, err := p.grants.HasAny(ctx, tenantID)
		if err != nil {
			return deny(contracts.StageService, contracts.CodeInternalError, err.Error()), false
		}
		if !hasAny {
			// Bootstrap: the first grants of a tenant install themselves.
			return contracts.Decision{}, true
		}
	}
	return deny(contracts.StagePolicy, decision.Code, decision.Message), false
}

func (p *Pipeline) schemaSubmit(ctx context.Context, route string, start time.Time, facet contracts.RequestFacet, req *contracts.PolicyMutationRequest) (int, *Response) {
	var payload contracts.SchemaSubmitPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || len(payload.Draft) == 0 {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, "payload.draft is required")
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}

	// Submission never mutates; the draft is hashed and acknowledged.
	decision := contracts.Decision{
		Outcome: contracts.OutcomeAllow,
		Stage:   contracts.StageExecution,
		Code:    contracts.CodeSubmissionForwarded,
		Message: "schema draft accepted for asynchronous review",
	}
	return http.StatusAccepted, p.finish(ctx, route, start, facet, decision)
}

func (p *Pipeline) schemaApply(ctx context.Context, route string, start time.Time, facet contracts.RequestFacet, req *contracts.PolicyMutationRequest, actor string) (int, *Response) {
	if err := schema.ValidateApplyPayload(req.Payload); err != nil {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, err.Error())
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}
	var payload contracts.SchemaApplyPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, err.Error())
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}

	if d, ok := p.requireAlter(ctx, req.TenantID, actor); !ok {
		return http.StatusForbidden, p.finish(ctx, route, start, facet, d)
	}

	// AI-assisted applies must present a matching approval.
	if err := p.drafts.VerifyAssist(ctx, payload.AIAssist); err != nil {
		d := deny(contracts.StagePolicy, contracts.CodeAIApprovalRequired, err.Error())
		return http.StatusForbidden, p.finish(ctx, route, start, facet, d)
	}

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	if err := p.exec.Schemas().Apply(execCtx, req.TenantID, payload.Tables); err != nil {
		d := deny(contracts.StageExecution, contracts.CodeDBExecutionFailed, err.Error())
		return http.StatusInternalServerError, p.finish(ctx, route, start, facet, d)
	}

	for _, g := range payload.Grants {
		if _, d := p.createGrant(ctx, req, actor, g); d != nil {
			status := http.StatusBadRequest
			if d.Stage == contracts.StageService {
				status = http.StatusInternalServerError
			}
			return status, p.finish(ctx, route, start, facet, *d)
		}
	}

	resp := p.finish(ctx, route, start, facet, allow("schema applied"))
	for _, table := range payload.Tables {
		resp.Tables = append(resp.Tables, table.Name)
	}
	return http.StatusCreated, resp
}

// createGrant validates and stores one grant on behalf of actor. The
// signature hash pins the grant to the envelope that created it.
func (p *Pipeline) createGrant(ctx context.Context, req *contracts.PolicyMutationRequest, actor string, payload contracts.GrantCreatePayload) (contracts.Grant, *contracts.Decision) {
	wallet, err := contracts.NormalizeWallet(payload.WalletAddress)
	if err != nil {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, err.Error())
		return contracts.Grant{}, &d
	}
	if err := contracts.ValidateScope(payload.ScopeType, payload.ScopeID); err != nil {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, err.Error())
		return contracts.Grant{}, &d
	}
	if !contracts.ValidOperation(payload.Operation) || !contracts.ValidEffect(payload.Effect) {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, "operation or effect is not recognized")
		return contracts.Grant{}, &d
	}

	signatureHash := ""
	if req.Auth != nil {
		signatureHash = canonicalize.HashBytesHex([]byte(req.Auth.Signature))
	}
	grant, err := p.grants.Create(ctx, contracts.Grant{
		GrantID:       uuid.New().String(),
		TenantID:      req.TenantID,
		WalletAddress: wallet,
		ScopeType:     payload.ScopeType,
		ScopeID:       payload.ScopeID,
		Operation:     payload.Operation,
		Effect:        payload.Effect,
		IssuedBy:      actor,
		IssuedAt:      time.Now().UTC(),
		SignatureHash: signatureHash,
	})
	if err != nil {
		d := deny(contracts.StageService, contracts.CodeInternalError, err.Error())
		return contracts.Grant{}, &d
	}
	return grant, nil
}

// selfGrantsControl reports whether the payload grants full database control
// to the signing wallet itself, the only grant an empty tenant may create.
func selfGrantsControl(payload contracts.GrantCreatePayload, actor string) bool {
	wallet, err := contracts.NormalizeWallet(payload.WalletAddress)
	if err != nil || wallet != actor {
		return false
	}
	return payload.ScopeType == contracts.ScopeDatabase &&
		payload.ScopeID == "*" &&
		payload.Operation == contracts.OpAll &&
		payload.Effect == contracts.EffectAllow
}

func (p *Pipeline) grantCreate(ctx context.Context, route string, start time.Time, facet contracts.RequestFacet, req *contracts.PolicyMutationRequest, actor string) (int, *Response) {
	var payload contracts.GrantCreatePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, err.Error())
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}

	decision, err := p.grants.Evaluate(ctx, req.TenantID, actor, contracts.ScopeDatabase, "*", contracts.OpAlter)
	if err != nil {
		d := deny(contracts.StageService, contracts.CodeInternalError, err.Error())
		return http.StatusInternalServerError, p.finish(ctx, route, start, facet, d)
	}
	if !decision.Allowed {
		// On an empty tenant the only admissible first grant is the signer
		// taking full control of its own database. Anything narrower would
		// let an unprivileged wallet seed policy for someone else.
		bootstrap := false
		if decision.Code == contracts.CodePolicyNoMatchingGrant && selfGrantsControl(payload, actor) {
			hasAny, err := p.grants.HasAny(ctx, req.TenantID)
			if err != nil {
				d := deny(contracts.StageService, contracts.CodeInternalError, err.Error())
				return http.StatusInternalServerError, p.finish(ctx, route, start, facet, d)
			}
			bootstrap = !hasAny
		}
		if !bootstrap {
			d := deny(contracts.StagePolicy, decision.Code, decision.Message)
			return http.StatusForbidden, p.finish(ctx, route, start, facet, d)
		}
	}

	grant, failed := p.createGrant(ctx, req, actor, payload)
	if failed != nil {
		status := http.StatusBadRequest
		if failed.Stage == contracts.StageService {
			status = http.StatusInternalServerError
		}
		return status, p.finish(ctx, route, start, facet, *failed)
	}

	resp := p.finish(ctx, route, start, facet, allow("grant created"))
	resp.Grant = &grant
	return http.StatusCreated, resp
}

func (p *Pipeline) grantRevoke(ctx context.Context, route string, start time.Time, facet contracts.RequestFacet, req *contracts.PolicyMutationRequest, actor string) (int, *Response) {
	var payload contracts.GrantRevokePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.GrantID == "" {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, "payload.grantId is required")
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}

	if d, ok := p.requireAlter(ctx, req.TenantID, actor); !ok {
		return http.StatusForbidden, p.finish(ctx, route, start, facet, d)
	}

	err := p.grants.Revoke(ctx, req.TenantID, payload.GrantID, payload.ExpectedSignatureHash)
	switch {
	case errors.Is(err, policy.ErrGrantNotFound):
		d := deny(contracts.StageExecution, contracts.CodeInvalidRequest, "grant not found")
		return http.StatusNotFound, p.finish(ctx, route, start, facet, d)
	case errors.Is(err, policy.ErrSignatureHashMismatch):
		d := deny(contracts.StageExecution, contracts.CodeGrantSignatureHashMatch, "expectedSignatureHash does not match the stored grant")
		return http.StatusConflict, p.finish(ctx, route, start, facet, d)
	case err != nil:
		d := deny(contracts.StageService, contracts.CodeInternalError, err.Error())
		return http.StatusInternalServerError, p.finish(ctx, route, start, facet, d)
	}

	return http.StatusOK, p.finish(ctx, route, start, facet, allow("grant revoked"))
}

func (p *Pipeline) approveDraft(ctx context.Context, route string, start time.Time, facet contracts.RequestFacet, req *contracts.PolicyMutationRequest, actor string) (int, *Response) {
	var payload contracts.ApproveDraftPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.DraftID == "" || payload.DraftHash == "" {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, "payload.draftId and payload.draftHash are required")
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}

	approval, err := p.drafts.Approve(ctx, payload.DraftID, payload.DraftHash, actor)
	switch {
	case errors.Is(err, schema.ErrDraftNotFound):
		d := deny(contracts.StageExecution, contracts.CodeInvalidRequest, "draft not found")
		return http.StatusNotFound, p.finish(ctx, route, start, facet, d)
	case errors.Is(err, schema.ErrDraftHashMismatch):
		d := deny(contracts.StageExecution, contracts.CodeInvalidRequest, "draftHash does not match the stored draft")
		return http.StatusConflict, p.finish(ctx, route, start, facet, d)
	case err != nil:
		d := deny(contracts.StageService, contracts.CodeInternalError, err.Error())
		return http.StatusInternalServerError, p.finish(ctx, route, start, facet, d)
	}

	resp := p.finish(ctx, route, start, facet, allow("draft approved"))
	resp.Approval = &approval
	return http.StatusCreated, resp
}

func (p *Pipeline) dataExecute(ctx context.Context, route string, start time.Time, facet contracts.RequestFacet, req *contracts.PolicyMutationRequest, actor string) (int, *Response) {
	var payload contracts.DataExecutePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.Table == "" {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, "payload.table is required")
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}
	switch payload.Operation {
	case contracts.OpRead, contracts.OpInsert, contracts.OpUpdate, contracts.OpDelete:
	default:
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest,
			fmt.Sprintf("operation %q is not executable", payload.Operation))
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}

	decision, err := p.grants.Evaluate(ctx, req.TenantID, actor, contracts.ScopeTable, payload.Table, payload.Operation)
	if err != nil {
		d := deny(contracts.StageService, contracts.CodeInternalError, err.Error())
		return http.StatusInternalServerError, p.finish(ctx, route, start, facet, d)
	}
	if !decision.Allowed {
		d := deny(contracts.StagePolicy, decision.Code, decision.Message)
		return http.StatusForbidden, p.finish(ctx, route, start, facet, d)
	}

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	result, failure := p.exec.ExecuteData(execCtx, req.TenantID, &payload)
	if failure != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			d := deny(contracts.StageService, contracts.CodeRequestTimeout, "request deadline exceeded")
			return http.StatusGatewayTimeout, p.finish(ctx, route, start, facet, d)
		}
		d := deny(contracts.StageExecution, failure.Code, failure.Message)
		return failure.Status, p.finish(ctx, route, start, facet, d)
	}

	resp := p.finish(ctx, route, start, facet, allow("data operation executed"))
	resp.Result = result
	return http.StatusOK, resp
}
