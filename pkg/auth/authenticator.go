package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/replay"
)

// Signature schemes for the A2A channel.
const (
	SchemeHMAC = "hmac-sha256"
	SchemeEVM  = "evm-personal-sign"
)

// Result is the outcome of one authentication attempt.
type Result struct {
	OK        bool
	Requester string // lowercase wallet address for wallet channels
	AgentID   string // peer agent id for the A2A channel
	Scheme    string
	Nonce     string
	SignedAt  time.Time
	Code      string
	Message   string
}

func failure(code, message string) Result {
	return Result{Code: code, Message: message}
}

// Authenticator dispatches per-channel signature verification and enforces
// the replay guard. When signature verification is disabled by config the
// timestamp and nonce checks still run.
type Authenticator struct {
	enabled bool
	guard   *replay.Guard
	peers   map[string]config.AgentPeer
}

// New builds an authenticator over the given replay guard and peer registry.
func New(enabled bool, guard *replay.Guard, peers map[string]config.AgentPeer) *Authenticator {
	if peers == nil {
		peers = map[string]config.AgentPeer{}
	}
	return &Authenticator{enabled: enabled, guard: guard, peers: peers}
}

// VerifyQuery authenticates a wallet-signed /v1/query envelope.
func (a *Authenticator) VerifyQuery(req *contracts.QueryRequest) Result {
	auth := req.Auth
	if auth == nil || auth.Nonce == "" || auth.SignedAt == "" || (a.enabled && auth.Signature == "") {
		return failure(contracts.CodeMissingAuth, "auth.nonce, auth.signedAt and auth.signature are required")
	}
	signedAt, err := parseSignedAt(auth.SignedAt)
	if err != nil {
		return failure(contracts.CodeMissingAuth, err.Error())
	}

	requester := strings.ToLower(req.Requester)
	if a.enabled {
		message, err := QuerySigningMessage(req)
		if err != nil {
			return failure(contracts.CodeSignatureDecodeFailed, err.Error())
		}
		recovered, err := RecoverPersonalSign(message, auth.Signature)
		if err != nil {
			return failure(contracts.CodeSignatureDecodeFailed, err.Error())
		}
		if recovered != requester {
			return failure(contracts.CodeSignerMismatch, "signature was not produced by the requester wallet")
		}
	}

	if code := a.checkReplay(replay.ScopeUserQuery, auth.Nonce, signedAt, false); code != "" {
		return failure(code, replayMessage(code))
	}
	return Result{OK: true, Requester: requester, Scheme: SchemeEVM, Nonce: auth.Nonce, SignedAt: signedAt}
}

// VerifyMutation authenticates a wallet-signed control-plane envelope.
func (a *Authenticator) VerifyMutation(req *contracts.PolicyMutationRequest) Result {
	auth := req.Auth
	if auth == nil || auth.Nonce == "" || auth.SignedAt == "" || (a.enabled && auth.Signature == "") {
		return failure(contracts.CodeMissingAuth, "auth.nonce, auth.signedAt and auth.signature are required")
	}
	signedAt, err := parseSignedAt(auth.SignedAt)
	if err != nil {
		return failure(contracts.CodeMissingAuth, err.Error())
	}

	actor := strings.ToLower(req.ActorWallet)
	if a.enabled {
		message, err := MutationSigningMessage(req)
		if err != nil {
			return failure(contracts.CodeSignatureDecodeFailed, err.Error())
		}
		recovered, err := RecoverPersonalSign(message, auth.Signature)
		if err != nil {
			return failure(contracts.CodeSignatureDecodeFailed, err.Error())
		}
		if recovered != actor {
			return failure(contracts.CodeSignerMismatch, "signature was not produced by the actor wallet")
		}
	}

	if code := a.checkReplay(replay.ScopePolicyMutation, auth.Nonce, signedAt, false); code != "" {
		return failure(code, replayMessage(code))
	}
	return Result{OK: true, Requester: actor, Scheme: SchemeEVM, Nonce: auth.Nonce, SignedAt: signedAt}
}

// A2ARequest carries the header material of a peer-agent call.
type A2ARequest struct {
	AgentID        string
	Timestamp      string
	Nonce          string
	Signature      string
	IdempotencyKey string
	CorrelationID  string
	Method         string
	Path           string
	Body           []byte
}

// VerifyA2A authenticates a peer-agent request.
func (a *Authenticator) VerifyA2A(req A2ARequest) Result {
	if req.AgentID == "" || req.Timestamp == "" || req.Nonce == "" || (a.enabled && req.Signature == "") {
		return failure(contracts.CodeA2AMissingHeader,
			"x-agent-id, x-agent-timestamp, x-agent-nonce and x-agent-signature are required")
	}
	signedAt, err := parseSignedAt(req.Timestamp)
	if err != nil {
		return failure(contracts.CodeA2AMissingHeader, err.Error())
	}

	peer, known := a.peers[req.AgentID]
	if !known {
		return failure(contracts.CodeA2AAgentNotAllowed, fmt.Sprintf("agent %q is not registered", req.AgentID))
	}

	if a.enabled {
		payloadHash, err := PayloadHash(req.Body)
		if err != nil {
			return failure(contracts.CodeA2ASignatureMismatch, err.Error())
		}
		message, err := A2ASigningMessage(A2AMessageInput{
			AgentID:        req.AgentID,
			Method:         req.Method,
			Path:           req.Path,
			Timestamp:      req.Timestamp,
			Nonce:          req.Nonce,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: req.IdempotencyKey,
			PayloadHash:    payloadHash,
		})
		if err != nil {
			return failure(contracts.CodeA2ASignatureMismatch, err.Error())
		}

		switch peer.Scheme {
		case SchemeHMAC:
			if peer.SharedSecret == "" {
				return failure(contracts.CodeA2ASignerNotConfigured, "no shared secret configured for agent")
			}
			if !VerifyHMAC(peer.SharedSecret, message, req.Signature) {
				return failure(contracts.CodeA2ASignatureMismatch, "hmac signature mismatch")
			}
		case SchemeEVM:
			if peer.SignerAddress == "" {
				return failure(contracts.CodeA2ASignerNotConfigured, "no signer address configured for agent")
			}
			recovered, err := RecoverPersonalSign(message, req.Signature)
			if err != nil {
				return failure(contracts.CodeA2ASignatureMismatch, err.Error())
			}
			if recovered != strings.ToLower(peer.SignerAddress) {
				return failure(contracts.CodeA2ASignatureMismatch, "signature was not produced by the registered signer")
			}
		default:
			return failure(contracts.CodeA2ASignerNotConfigured, fmt.Sprintf("unknown scheme %q", peer.Scheme))
		}
	}

	if code := a.checkReplay(replay.ScopeA2A, req.AgentID+"\x00"+req.Nonce, signedAt, true); code != "" {
		return failure(code, replayMessage(code))
	}
	return Result{OK: true, AgentID: req.AgentID, Scheme: peer.Scheme, Nonce: req.Nonce, SignedAt: signedAt}
}

// AllowedTaskTypes returns the task-type allowlist for an agent.
func (a *Authenticator) AllowedTaskTypes(agentID string) []string {
	return a.peers[agentID].AllowedTaskTypes
}

func (a *Authenticator) checkReplay(scope replay.Scope, nonce string, signedAt time.Time, a2a bool) string {
	err := a.guard.Check(scope, nonce, signedAt)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, replay.ErrStaleTimestamp):
		return contracts.CodeStaleTimestamp
	case errors.Is(err, replay.ErrFutureTimestamp):
		return contracts.CodeFutureTimestamp
	case errors.Is(err, replay.ErrNonceReplay):
		if a2a {
			return contracts.CodeA2ANonceReplay
		}
		return contracts.CodeNonceReplay
	default:
		return contracts.CodeInternalError
	}
}

func replayMessage(code string) string {
	switch code {
	case contracts.CodeStaleTimestamp:
		return "signedAt is older than the nonce TTL window"
	case contracts.CodeFutureTimestamp:
		return "signedAt is further in the future than the allowed skew"
	case contracts.CodeNonceReplay, contracts.CodeA2ANonceReplay:
		return "nonce has already been used"
	default:
		return "replay check failed"
	}
}

func parseSignedAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("signedAt must be an ISO-8601 UTC timestamp: %w", err)
	}
	return t.UTC(), nil
}
