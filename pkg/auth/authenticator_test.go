package auth

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/replay"
)

var testNow = time.Date(2026, 2, 17, 10, 0, 30, 0, time.UTC)

func newTestAuthenticator(t *testing.T, enabled bool, peers map[string]config.AgentPeer) *Authenticator {
	t.Helper()
	guard := replay.NewGuard(300*time.Second, 30*time.Second, 1000, func() time.Time { return testNow })
	return New(enabled, guard, peers)
}

func signedQuery(t *testing.T, nonce string) (*contracts.QueryRequest, string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	wallet := AddressOf(key)

	req := &contracts.QueryRequest{
		RequestID:     "req-1",
		TenantID:      "acme",
		Requester:     wallet,
		Capability:    "balances:read",
		QueryTemplate: "wallet_balances",
		QueryParams:   map[string]any{"walletAddress": wallet, "chainId": 1, "limit": 5},
		Auth: &contracts.AuthEnvelope{
			Nonce:    nonce,
			SignedAt: "2026-02-17T10:00:00Z",
		},
	}
	message, err := QuerySigningMessage(req)
	require.NoError(t, err)
	sig, err := PersonalSign(message, key)
	require.NoError(t, err)
	req.Auth.Signature = sig
	return req, wallet
}

func TestVerifyQueryAccepted(t *testing.T) {
	a := newTestAuthenticator(t, true, nil)
	req, wallet := signedQuery(t, "nonce-1")

	res := a.VerifyQuery(req)
	require.True(t, res.OK, "code=%s message=%s", res.Code, res.Message)
	assert.Equal(t, wallet, res.Requester)
	assert.Equal(t, "nonce-1", res.Nonce)
}

func TestVerifyQueryRequesterCaseInsensitive(t *testing.T) {
	a := newTestAuthenticator(t, true, nil)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	// Requester carries the EIP-55 checksummed casing; recovery compares
	// case-insensitively.
	req := &contracts.QueryRequest{
		RequestID:     "req-case",
		TenantID:      "acme",
		Requester:     ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		Capability:    "balances:read",
		QueryTemplate: "wallet_balances",
		Auth: &contracts.AuthEnvelope{
			Nonce:    "nonce-case",
			SignedAt: "2026-02-17T10:00:00Z",
		},
	}
	message, err := QuerySigningMessage(req)
	require.NoError(t, err)
	req.Auth.Signature, err = PersonalSign(message, key)
	require.NoError(t, err)

	res := a.VerifyQuery(req)
	require.True(t, res.OK, "code=%s message=%s", res.Code, res.Message)
	assert.Equal(t, AddressOf(key), res.Requester)
}

func TestVerifyQueryMissingAuth(t *testing.T) {
	a := newTestAuthenticator(t, true, nil)
	req, _ := signedQuery(t, "n")
	req.Auth = nil
	res := a.VerifyQuery(req)
	assert.Equal(t, contracts.CodeMissingAuth, res.Code)
}

func TestVerifyQuerySignerMismatch(t *testing.T) {
	a := newTestAuthenticator(t, true, nil)
	req, _ := signedQuery(t, "nonce-2")

	otherKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	message, err := QuerySigningMessage(req)
	require.NoError(t, err)
	sig, err := PersonalSign(message, otherKey)
	require.NoError(t, err)
	req.Auth.Signature = sig

	res := a.VerifyQuery(req)
	assert.False(t, res.OK)
	assert.Equal(t, contracts.CodeSignerMismatch, res.Code)
}

func TestVerifyQueryBadSignatureEncoding(t *testing.T) {
	a := newTestAuthenticator(t, true, nil)
	req, _ := signedQuery(t, "nonce-3")
	req.Auth.Signature = "0xzznotsignature"
	res := a.VerifyQuery(req)
	assert.Equal(t, contracts.CodeSignatureDecodeFailed, res.Code)
}

func TestVerifyQueryNonceReplay(t *testing.T) {
	a := newTestAuthenticator(t, true, nil)
	req, _ := signedQuery(t, "nonce-replayed")

	res := a.VerifyQuery(req)
	require.True(t, res.OK)

	res = a.VerifyQuery(req)
	assert.False(t, res.OK)
	assert.Equal(t, contracts.CodeNonceReplay, res.Code)
}

func TestVerifyQueryStaleAndFutureTimestamps(t *testing.T) {
	a := newTestAuthenticator(t, true, nil)

	req, _ := signedQuery(t, "nonce-stale")
	req.Auth.SignedAt = testNow.Add(-301 * time.Second).Format(time.RFC3339)
	resignQuery(t, req)
	res := a.VerifyQuery(req)
	assert.Equal(t, contracts.CodeStaleTimestamp, res.Code)

	req, _ = signedQuery(t, "nonce-future")
	req.Auth.SignedAt = testNow.Add(31 * time.Second).Format(time.RFC3339)
	resignQuery(t, req)
	res = a.VerifyQuery(req)
	assert.Equal(t, contracts.CodeFutureTimestamp, res.Code)
}

// resignQuery re-signs a query envelope with a fresh key after mutation,
// updating the requester to match.
func resignQuery(t *testing.T, req *contracts.QueryRequest) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	req.Requester = AddressOf(key)
	message, err := QuerySigningMessage(req)
	require.NoError(t, err)
	sig, err := PersonalSign(message, key)
	require.NoError(t, err)
	req.Auth.Signature = sig
}

func TestAllowUnsignedModeKeepsReplayChecks(t *testing.T) {
	a := newTestAuthenticator(t, false, nil)
	req, _ := signedQuery(t, "unsigned-nonce")
	req.Auth.Signature = ""

	res := a.VerifyQuery(req)
	require.True(t, res.OK)

	// Nonce checks survive the bypass.
	res = a.VerifyQuery(req)
	assert.Equal(t, contracts.CodeNonceReplay, res.Code)
}

func TestRecoverPersonalSignLegacyV(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	message := []byte("legacy v test")
	sig, err := PersonalSign(message, key)
	require.NoError(t, err)

	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	raw[64] += 27 // wallets often emit 27/28

	recovered, err := RecoverPersonalSign(message, "0x"+hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, AddressOf(key), recovered)
}

func TestVerifyMutation(t *testing.T) {
	a := newTestAuthenticator(t, true, nil)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	req := &contracts.PolicyMutationRequest{
		RequestID:   "req-m1",
		TenantID:    "acme",
		ActorWallet: AddressOf(key),
		Action:      contracts.ActionGrantCreate,
		Payload:     []byte(`{"walletAddress":"0x8ba1f109551bd432803012645ac136ddd64dba72","scopeType":"database","scopeId":"*","operation":"all","effect":"allow"}`),
		Auth: &contracts.AuthEnvelope{
			Nonce:    "mut-nonce",
			SignedAt: "2026-02-17T10:00:00Z",
		},
	}
	message, err := MutationSigningMessage(req)
	require.NoError(t, err)
	req.Auth.Signature, err = PersonalSign(message, key)
	require.NoError(t, err)

	res := a.VerifyMutation(req)
	require.True(t, res.OK, "code=%s message=%s", res.Code, res.Message)
	assert.Equal(t, AddressOf(key), res.Requester)
}
