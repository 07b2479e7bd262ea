package receipts

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/runtime"
)

func newTestIssuer(t *testing.T, enabled bool) *Issuer {
	t.Helper()
	claims, err := runtime.NewProvider(&config.Config{ProofTrustModel: "tee"})
	require.NoError(t, err)
	i := NewIssuer(enabled, "private-db-agent", "sqlite", claims)
	i.now = func() time.Time { return time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC) }
	return i
}

func sampleFacet(requestID string) contracts.RequestFacet {
	return contracts.RequestFacet{
		RequestID:     requestID,
		TenantID:      "acme",
		Requester:     "0x8ba1f109551bd432803012645ac136ddd64dba72",
		Capability:    "balances:read",
		QueryTemplate: "wallet_balances",
		QueryParams:   map[string]any{"chainId": 1},
		AuthNonce:     "n1",
		AuthSignedAt:  "2026-02-17T09:59:00Z",
	}
}

func allowDecision() contracts.Decision {
	return contracts.Decision{
		Outcome: contracts.OutcomeAllow,
		Stage:   contracts.StageExecution,
		Code:    contracts.CodeAllowed,
		Message: "ok",
	}
}

func TestIssueDeterministic(t *testing.T) {
	i := newTestIssuer(t, true)

	first, err := i.Issue(sampleFacet("req-1"), allowDecision())
	require.NoError(t, err)
	second, err := i.Issue(sampleFacet("req-1"), allowDecision())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first.ReceiptID, "rcpt_"))
	assert.Len(t, first.ReceiptID, len("rcpt_")+16)
	assert.Equal(t, HashAlgorithm, first.HashAlgorithm)
	assert.False(t, first.AttestationPresent, "no attestation material configured")
}

func TestIssueDisabledReturnsNil(t *testing.T) {
	i := newTestIssuer(t, false)
	r, err := i.Issue(sampleFacet("req-1"), allowDecision())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestIssueChangesWithAnyFacet(t *testing.T) {
	i := newTestIssuer(t, true)
	base, err := i.Issue(sampleFacet("req-1"), allowDecision())
	require.NoError(t, err)

	other, err := i.Issue(sampleFacet("req-2"), allowDecision())
	require.NoError(t, err)
	assert.NotEqual(t, base.ReceiptID, other.ReceiptID)
	assert.NotEqual(t, base.RequestHash, other.RequestHash)
	assert.Equal(t, base.VerificationHash, other.VerificationHash)

	deny := allowDecision()
	deny.Outcome = contracts.OutcomeDeny
	deny.Code = contracts.CodePolicyNoMatchingGrant
	denied, err := i.Issue(sampleFacet("req-1"), deny)
	require.NoError(t, err)
	assert.NotEqual(t, base.DecisionHash, denied.DecisionHash)
	assert.NotEqual(t, base.ReceiptID, denied.ReceiptID)
}

func TestAttestationPresentWithFullClaims(t *testing.T) {
	claims, err := runtime.NewProvider(&config.Config{
		ProofTrustModel:      "tee",
		EigenAppID:           "app-1",
		EigenImageDigest:     "sha256:abc",
		EigenAttestationHash: "0xdef",
	})
	require.NoError(t, err)
	i := NewIssuer(true, "private-db-agent", "sqlite", claims)

	r, err := i.Issue(sampleFacet("req-1"), allowDecision())
	require.NoError(t, err)
	assert.True(t, r.AttestationPresent)
	assert.Equal(t, "attested", r.VerificationFacet.Runtime.VerificationStatus)
}

func TestVerifyDetectsTampering(t *testing.T) {
	i := newTestIssuer(t, true)
	r, err := i.Issue(sampleFacet("req-1"), allowDecision())
	require.NoError(t, err)

	ok, err := Verify(r)
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := *r
	tampered.DecisionFacet.Outcome = contracts.OutcomeDeny
	ok, err = Verify(&tampered)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Verify(nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReceiptIDDeterminismProperty(t *testing.T) {
	i := newTestIssuer(t, true)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("same facets always produce the same receipt, different request ids never collide on request hash",
		prop.ForAll(func(requestID, message string) bool {
			facet := sampleFacet(requestID)
			decision := allowDecision()
			decision.Message = message

			a, err := i.Issue(facet, decision)
			if err != nil {
				return false
			}
			b, err := i.Issue(facet, decision)
			if err != nil {
				return false
			}
			ok, err := Verify(a)
			return err == nil && ok && a.ReceiptID == b.ReceiptID
		}, gen.Identifier(), gen.AlphaString()))

	properties.TestingRun(t)
}
