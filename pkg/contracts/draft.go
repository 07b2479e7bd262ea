package contracts

import "time"

// Draft is an opaque AI-generated schema or policy draft. The agent only
// hashes, stores, and gates on it; it never interprets the content.
type Draft struct {
	DraftID       string    `json:"draftId"`
	DraftHash     string    `json:"draftHash"`
	TenantID      string    `json:"tenantId"`
	SignerAddress string    `json:"signerAddress"`
	Kind          string    `json:"kind"` // "schema" | "policy"
	Verification  string    `json:"verification"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Approval binds a wallet signature to a specific (draftId, draftHash) pair.
// schema:apply requests that reference a draft must present a matching
// approval or are denied.
type Approval struct {
	ApprovalID string    `json:"approvalId"`
	DraftID    string    `json:"draftId"`
	DraftHash  string    `json:"draftHash"`
	ApprovedBy string    `json:"approvedBy"`
	ApprovedAt time.Time `json:"approvedAt"`
}
