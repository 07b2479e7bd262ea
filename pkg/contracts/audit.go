package contracts

import "time"

// AuditRecord is one append-only decision row. Failure to write it never
// changes the decision outcome.
type AuditRecord struct {
	RequestID     string    `json:"requestId"`
	TenantID      string    `json:"tenantId"`
	Requester     string    `json:"requester"`
	Capability    string    `json:"capability"`
	QueryTemplate string    `json:"queryTemplate"`
	Decision      Decision  `json:"decision"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuditStatus is the per-response report of the audit attempt. Logged is
// always present, never omitted.
type AuditStatus struct {
	Logged bool   `json:"logged"`
	Code   string `json:"code"`
}
