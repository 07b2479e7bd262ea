// Package runtime surfaces the confidential-runtime attestation claims the
// agent runs under. The agent never produces attestations itself; it embeds
// whatever the runtime exposed at boot into every receipt.
package runtime

import (
	"github.com/privatedb/agent/pkg/canonicalize"
	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
)

// Provider holds the claims snapshot taken at boot. Claims are read-only
// for the life of the process.
type Provider struct {
	claims contracts.RuntimeClaims
}

// NewProvider builds the claims snapshot from configuration. A deployment
// with no attestation material reports verificationStatus "unverified" and
// verified=false rather than fabricating claims.
func NewProvider(cfg *config.Config) (*Provider, error) {
	claims := contracts.RuntimeClaims{
		TrustModel:              cfg.ProofTrustModel,
		AppID:                   cfg.EigenAppID,
		ImageDigest:             cfg.EigenImageDigest,
		AttestationReportHash:   cfg.EigenAttestationHash,
		OnchainDeploymentTxHash: cfg.EigenDeploymentTxHash,
	}

	complete := claims.AppID != "" && claims.ImageDigest != "" && claims.AttestationReportHash != ""
	if complete {
		claims.VerificationStatus = "attested"
		claims.Verified = true
	} else {
		claims.VerificationStatus = "unverified"
		claims.Verified = false
	}

	// ClaimsHash covers every claim field except itself so clients can
	// recompute it from the snapshot.
	hash, err := canonicalize.HashHex(map[string]any{
		"trustModel":              claims.TrustModel,
		"appId":                   claims.AppID,
		"imageDigest":             claims.ImageDigest,
		"attestationReportHash":   claims.AttestationReportHash,
		"onchainDeploymentTxHash": claims.OnchainDeploymentTxHash,
		"verificationStatus":      claims.VerificationStatus,
		"verified":                claims.Verified,
	})
	if err != nil {
		return nil, err
	}
	claims.ClaimsHash = hash

	return &Provider{claims: claims}, nil
}

// Claims returns the boot-time claims snapshot.
func (p *Provider) Claims() contracts.RuntimeClaims { return p.claims }
