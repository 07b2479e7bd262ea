package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatedb/agent/pkg/config"
)

func TestClaimsUnverifiedWithoutMaterial(t *testing.T) {
	p, err := NewProvider(&config.Config{ProofTrustModel: "eigencompute"})
	require.NoError(t, err)

	claims := p.Claims()
	assert.False(t, claims.Verified)
	assert.Equal(t, "unverified", claims.VerificationStatus)
	assert.NotEmpty(t, claims.ClaimsHash)
}

func TestClaimsAttestedWithFullMaterial(t *testing.T) {
	cfg := &config.Config{
		ProofTrustModel:       "eigencompute",
		EigenAppID:            "app-1",
		EigenImageDigest:      "sha256:abc",
		EigenAttestationHash:  "0xdeadbeef",
		EigenDeploymentTxHash: "0xcafe",
	}
	p, err := NewProvider(cfg)
	require.NoError(t, err)

	claims := p.Claims()
	assert.True(t, claims.Verified)
	assert.Equal(t, "attested", claims.VerificationStatus)
}

func TestClaimsHashIsStableAndSensitive(t *testing.T) {
	cfg := &config.Config{ProofTrustModel: "eigencompute", EigenAppID: "app-1"}
	a, err := NewProvider(cfg)
	require.NoError(t, err)
	b, err := NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, a.Claims().ClaimsHash, b.Claims().ClaimsHash)

	cfg.EigenAppID = "app-2"
	c, err := NewProvider(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a.Claims().ClaimsHash, c.Claims().ClaimsHash)
}
