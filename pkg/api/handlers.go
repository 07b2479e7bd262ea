package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/runtime"
)

// Handlers owns the HTTP surface: the pipeline plus the read-only endpoints
// that sit outside the decision ladder.
type Handlers struct {
	cfg      *config.Config
	pipeline *Pipeline
	runtime  *runtime.Provider
	started  time.Time
}

// NewHandlers wires the handler set.
func NewHandlers(cfg *config.Config, pipeline *Pipeline, rt *runtime.Provider) *Handlers {
	return &Handlers{cfg: cfg, pipeline: pipeline, runtime: rt, started: time.Now()}
}

// Routes installs every endpoint on a fresh mux.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /v1/runtime/attestation", h.handleAttestation)
	mux.HandleFunc("GET /.well-known/agent-card.json", h.handleAgentCard)

	mux.HandleFunc("POST /v1/query", h.handleQuery)
	mux.HandleFunc("POST /v1/data/execute", h.mutation("POST /v1/data/execute", contracts.ActionDataExecute))
	mux.HandleFunc("POST /v1/control-plane/submit", h.mutation("POST /v1/control-plane/submit", contracts.ActionSchemaSubmit))
	mux.HandleFunc("POST /v1/control-plane/apply", h.mutation("POST /v1/control-plane/apply", contracts.ActionSchemaApply))

	mux.HandleFunc("GET /v1/policy/grants", h.handleGrantList)
	mux.HandleFunc("POST /v1/policy/grants", h.mutation("POST /v1/policy/grants", contracts.ActionGrantCreate))
	mux.HandleFunc("POST /v1/policy/grants/revoke", h.mutation("POST /v1/policy/grants/revoke", contracts.ActionGrantRevoke))

	mux.HandleFunc("POST /v1/ai/schema-draft", h.draft("POST /v1/ai/schema-draft", "schema"))
	mux.HandleFunc("POST /v1/ai/policy-draft", h.draft("POST /v1/ai/policy-draft", "policy"))
	mux.HandleFunc("POST /v1/ai/approve-draft", h.mutation("POST /v1/ai/approve-draft", contracts.ActionAIDraftApprove))

	mux.HandleFunc("POST /v1/a2a/tasks", h.pipeline.HandleA2ASubmit)
	mux.HandleFunc("GET /v1/a2a/tasks", h.pipeline.HandleA2AList)
	mux.HandleFunc("GET /v1/a2a/tasks/{taskId}", h.pipeline.HandleA2AGet)
	mux.HandleFunc("GET /v1/a2a/contracts", h.handleA2AContracts)

	mux.HandleFunc("GET /v1/ops/metrics", h.handleMetrics)

	return mux
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"service":       h.cfg.ServiceName,
		"version":       h.cfg.ServiceVersion,
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
	})
}

func (h *Handlers) handleAttestation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runtime": h.runtime.Claims(),
	})
}

// handleAgentCard serves the A2A discovery document. Peers use it to learn
// the agent id, the task types it executes, and where to submit.
func (h *Handlers) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        h.cfg.ServiceName,
		"version":     h.cfg.ServiceVersion,
		"agentId":     h.cfg.A2AAgentID,
		"description": "policy-gated private database agent",
		"authSchemes": []string{"hmac-sha256", "evm-personal-sign"},
		"endpoints": map[string]string{
			"tasks":       "/v1/a2a/tasks",
			"contracts":   "/v1/a2a/contracts",
			"attestation": "/v1/runtime/attestation",
		},
		"taskTypes": []string{TaskTypeQueryExecute},
	})
}

// handleA2AContracts catalogues the executable task types and their input
// shapes, keyed the way peers reference them.
func (h *Handlers) handleA2AContracts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"taskTypes": []map[string]any{
			{
				"taskType":    TaskTypeQueryExecute,
				"description": "run one capability-gated template query; input is a query envelope",
				"input": map[string]string{
					"requestId":     "string, required",
					"tenantId":      "string, optional",
					"requester":     "string, required",
					"capability":    "string, required",
					"queryTemplate": "string, required",
					"queryParams":   "object, per template",
				},
				"terminalStatuses": []string{"succeeded", "failed"},
			},
		},
	})
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.meter.Snapshot())
}

func (h *Handlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req contracts.QueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, resp := h.pipeline.Query(r.Context(), "POST /v1/query", &req, nil)
	writeJSON(w, status, resp)
}

// mutation adapts one control-plane action to an endpoint.
func (h *Handlers) mutation(route string, action contracts.MutationAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contracts.PolicyMutationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Action == "" {
			req.Action = action
		}
		status, resp := h.pipeline.Mutate(r.Context(), route, &req, action)
		writeJSON(w, status, resp)
	}
}

// draft adapts one AI draft kind to an endpoint.
func (h *Handlers) draft(route, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contracts.PolicyMutationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		status, resp := h.pipeline.CreateDraft(r.Context(), route, &req, kind)
		writeJSON(w, status, resp)
	}
}

// handleGrantList is unauthenticated read-only listing scoped by query
// parameters. tenantId is required; wallet narrows further.
func (h *Handlers) handleGrantList(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if !contracts.ValidTenantID(tenantID) {
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "tenantId query parameter is required and must be a valid tenant id")
		return
	}
	wallet := r.URL.Query().Get("wallet")

	grants, err := h.pipeline.grants.List(r.Context(), tenantID, wallet)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &Response{
		Grants:   grants,
		Code:     contracts.CodeAllowed,
		Decision: allow("grants listed"),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "request body is required")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		// A well-formed document of the wrong shape still enters the
		// pipeline so the denial is receipted and audited; only bodies
		// that do not parse at all stop at the transport.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return true
		}
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "request body is not valid JSON")
		return false
	}
	return true
}
