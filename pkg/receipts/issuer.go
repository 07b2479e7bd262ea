// Package receipts builds the deterministic decision receipts attached to
// every pipeline response. A receipt binds three canonical facet hashes; the
// receipt id is derived from their concatenation, so identical inputs always
// produce the same receipt.
package receipts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/privatedb/agent/pkg/canonicalize"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/runtime"
)

// HashAlgorithm names the digest recorded on every receipt.
const HashAlgorithm = "sha256"

// Issuer builds receipts over the boot-time verification context.
type Issuer struct {
	enabled bool
	service string
	dialect string
	claims  *runtime.Provider
	now     func() time.Time
}

// NewIssuer builds the issuer. When enabled is false Issue returns nil and
// responses carry no receipt.
func NewIssuer(enabled bool, service, dialect string, claims *runtime.Provider) *Issuer {
	return &Issuer{enabled: enabled, service: service, dialect: dialect, claims: claims, now: time.Now}
}

// Enabled reports whether receipts are being issued.
func (i *Issuer) Enabled() bool { return i.enabled }

// Issue builds the receipt for one request/decision pair.
func (i *Issuer) Issue(request contracts.RequestFacet, decision contracts.Decision) (*contracts.Receipt, error) {
	if !i.enabled {
		return nil, nil
	}

	verification := contracts.VerificationFacet{
		Service:         i.service,
		Runtime:         i.claims.Claims(),
		DatabaseDialect: i.dialect,
	}

	requestHash, err := canonicalize.HashHex(request)
	if err != nil {
		return nil, fmt.Errorf("receipts: hash request facet: %w", err)
	}
	decisionHash, err := canonicalize.HashHex(decision)
	if err != nil {
		return nil, fmt.Errorf("receipts: hash decision facet: %w", err)
	}
	verificationHash, err := canonicalize.HashHex(verification)
	if err != nil {
		return nil, fmt.Errorf("receipts: hash verification facet: %w", err)
	}

	return &contracts.Receipt{
		ReceiptID:          receiptID(requestHash, decisionHash, verificationHash),
		RequestHash:        requestHash,
		DecisionHash:       decisionHash,
		VerificationHash:   verificationHash,
		RequestFacet:       request,
		DecisionFacet:      decision,
		VerificationFacet:  verification,
		HashAlgorithm:      HashAlgorithm,
		GeneratedAt:        i.now().UTC().Format(time.RFC3339),
		AttestationPresent: verification.Runtime.Verified,
	}, nil
}

// receiptID concatenates the three facet hashes and takes the first 16 hex
// characters of their SHA-256 digest under the rcpt_ prefix.
func receiptID(requestHash, decisionHash, verificationHash string) string {
	sum := sha256.Sum256([]byte(requestHash + decisionHash + verificationHash))
	return "rcpt_" + hex.EncodeToString(sum[:])[:16]
}

// Verify recomputes the three facet hashes and the receipt id of a presented
// receipt and reports whether they match. GeneratedAt is excluded; it is
// metadata, not a hashed facet.
func Verify(r *contracts.Receipt) (bool, error) {
	if r == nil {
		return false, nil
	}
	requestHash, err := canonicalize.HashHex(r.RequestFacet)
	if err != nil {
		return false, err
	}
	decisionHash, err := canonicalize.HashHex(r.DecisionFacet)
	if err != nil {
		return false, err
	}
	verificationHash, err := canonicalize.HashHex(r.VerificationFacet)
	if err != nil {
		return false, err
	}
	return requestHash == r.RequestHash &&
		decisionHash == r.DecisionHash &&
		verificationHash == r.VerificationHash &&
		receiptID(requestHash, decisionHash, verificationHash) == r.ReceiptID, nil
}
