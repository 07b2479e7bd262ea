package api

import (
	"context"
	"net/http"
	"time"

	"github.com/privatedb/agent/pkg/contracts"
)

// CreateDraft stores one opaque AI draft. The content is never interpreted;
// the agent hashes it canonically and records the signer so a later
// schema:apply can be gated on an approval of the exact bytes.
func (p *Pipeline) CreateDraft(ctx context.Context, route string, req *contracts.PolicyMutationRequest, kind string) (int, *Response) {
	start := time.Now()
	facet := mutationFacet(req)
	facet.QueryTemplate = "ai:draft:" + kind

	switch {
	case req.RequestID == "":
		d := deny(contracts.StageValidation, contracts.CodeMissingField, "requestId is required")
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	case req.ActorWallet == "":
		d := deny(contracts.StageValidation, contracts.CodeMissingField, "actorWallet is required")
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	case len(req.Payload) == 0:
		d := deny(contracts.StageValidation, contracts.CodeMissingField, "payload is required")
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}
	if req.TenantID != "" && !contracts.ValidTenantID(req.TenantID) {
		d := deny(contracts.StageValidation, contracts.CodeInvalidTenant, "tenantId must match ^[a-z0-9][a-z0-9_-]{0,62}$")
		return http.StatusBadRequest, p.finish(ctx, route, start, facet, d)
	}

	res := p.auth.VerifyMutation(req)
	if !res.OK {
		d := deny(contracts.StageAuthentication, res.Code, res.Message)
		return http.StatusUnauthorized, p.finish(ctx, route, start, facet, d)
	}
	facet.Requester = res.Requester

	draft, err := p.drafts.CreateDraft(ctx, req.TenantID, res.Requester, kind, req.Payload)
	if err != nil {
		d := deny(contracts.StageService, contracts.CodeInternalError, err.Error())
		return http.StatusInternalServerError, p.finish(ctx, route, start, facet, d)
	}

	resp := p.finish(ctx, route, start, facet, allow("draft stored"))
	resp.Draft = &draft
	return http.StatusCreated, resp
}
