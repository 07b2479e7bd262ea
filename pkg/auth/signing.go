// Package auth verifies the three signed channels the agent accepts:
// wallet-signed queries, wallet-signed policy mutations, and peer-agent
// calls signed with a shared secret or an EVM key.
package auth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/privatedb/agent/pkg/canonicalize"
	"github.com/privatedb/agent/pkg/contracts"
)

// Signing context strings. The signed message is the context line, a
// newline, then the canonical JSON of the channel's envelope.
const (
	ContextUserAuth       = "PRIVATE_DB_AGENT_AUTH_V1"
	ContextPolicyMutation = "PRIVATE_DB_AGENT_POLICY_MUTATION_V1"
	ContextA2A            = "PRIVATE_DB_AGENT_A2A_V1"
)

// QuerySigningMessage builds the exact byte string a wallet signs for
// POST /v1/query.
func QuerySigningMessage(req *contracts.QueryRequest) ([]byte, error) {
	params := req.QueryParams
	if params == nil {
		params = map[string]any{}
	}
	canonical, err := canonicalize.Canonicalize(map[string]any{
		"requestId":     req.RequestID,
		"tenantId":      req.TenantID,
		"requester":     req.Requester,
		"capability":    req.Capability,
		"queryTemplate": req.QueryTemplate,
		"queryParams":   params,
		"nonce":         req.Auth.Nonce,
		"signedAt":      req.Auth.SignedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: build query signing message: %w", err)
	}
	return append([]byte(ContextUserAuth+"\n"), canonical...), nil
}

// MutationSigningMessage builds the byte string a wallet signs for
// control-plane actions. The action payload is embedded as its canonical
// generic form.
func MutationSigningMessage(req *contracts.PolicyMutationRequest) ([]byte, error) {
	var payload any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return nil, fmt.Errorf("auth: decode mutation payload: %w", err)
		}
	} else {
		payload = map[string]any{}
	}
	canonical, err := canonicalize.Canonicalize(map[string]any{
		"requestId":   req.RequestID,
		"tenantId":    req.TenantID,
		"actorWallet": req.ActorWallet,
		"action":      string(req.Action),
		"payload":     payload,
		"nonce":       req.Auth.Nonce,
		"signedAt":    req.Auth.SignedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: build mutation signing message: %w", err)
	}
	return append([]byte(ContextPolicyMutation+"\n"), canonical...), nil
}

// A2AMessageInput carries everything that binds a peer-agent signature to
// one request.
type A2AMessageInput struct {
	AgentID        string
	Method         string
	Path           string
	Timestamp      string
	Nonce          string
	CorrelationID  string
	IdempotencyKey string
	PayloadHash    string
}

// A2ASigningMessage builds the byte string a peer agent signs. Optional
// fields are serialized as JSON null when absent, never as empty strings.
func A2ASigningMessage(in A2AMessageInput) ([]byte, error) {
	envelope := map[string]any{
		"agentId":        in.AgentID,
		"method":         strings.ToUpper(in.Method),
		"path":           in.Path,
		"timestamp":      in.Timestamp,
		"nonce":          in.Nonce,
		"correlationId":  nullable(in.CorrelationID),
		"idempotencyKey": nullable(in.IdempotencyKey),
		"payloadHash":    in.PayloadHash,
	}
	canonical, err := canonicalize.Canonicalize(envelope)
	if err != nil {
		return nil, fmt.Errorf("auth: build a2a signing message: %w", err)
	}
	return append([]byte(ContextA2A+"\n"), canonical...), nil
}

// PayloadHash hashes the canonical form of a request body; an empty body
// hashes as the empty object.
func PayloadHash(body []byte) (string, error) {
	if len(body) == 0 {
		return canonicalize.HashHex(map[string]any{})
	}
	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		return "", fmt.Errorf("auth: payload is not valid JSON: %w", err)
	}
	return canonicalize.HashHex(generic)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
