package contracts

import "encoding/json"

// AuthEnvelope carries the wallet signature material on a request.
type AuthEnvelope struct {
	Nonce     string `json:"nonce"`
	SignedAt  string `json:"signedAt"`
	Signature string `json:"signature"`
}

// QueryRequest is the wallet-signed envelope for POST /v1/query.
type QueryRequest struct {
	RequestID     string         `json:"requestId"`
	TenantID      string         `json:"tenantId"`
	Requester     string         `json:"requester"`
	Capability    string         `json:"capability"`
	QueryTemplate string         `json:"queryTemplate"`
	QueryParams   map[string]any `json:"queryParams,omitempty"`
	Auth          *AuthEnvelope  `json:"auth,omitempty"`
}

// MutationAction is the control-plane verb of a policy mutation envelope.
type MutationAction string

const (
	ActionSchemaSubmit   MutationAction = "schema:submit"
	ActionSchemaApply    MutationAction = "schema:apply"
	ActionGrantCreate    MutationAction = "grant:create"
	ActionGrantRevoke    MutationAction = "grant:revoke"
	ActionAIDraftApprove MutationAction = "ai:draft:approve"
	ActionDataExecute    MutationAction = "data:execute"
)

// ValidMutationAction reports whether a is a recognized control-plane action.
func ValidMutationAction(a MutationAction) bool {
	switch a {
	case ActionSchemaSubmit, ActionSchemaApply, ActionGrantCreate,
		ActionGrantRevoke, ActionAIDraftApprove, ActionDataExecute:
		return true
	}
	return false
}

// PolicyMutationRequest is the wallet-signed envelope for control-plane
// endpoints. Payload stays raw until the action variant decodes it.
type PolicyMutationRequest struct {
	RequestID   string          `json:"requestId"`
	TenantID    string          `json:"tenantId"`
	ActorWallet string          `json:"actorWallet"`
	Action      MutationAction  `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	Auth        *AuthEnvelope   `json:"auth,omitempty"`
}

// GrantCreatePayload is the payload of a grant:create action.
type GrantCreatePayload struct {
	WalletAddress string    `json:"walletAddress"`
	ScopeType     ScopeType `json:"scopeType"`
	ScopeID       string    `json:"scopeId"`
	Operation     Operation `json:"operation"`
	Effect        Effect    `json:"effect"`
}

// GrantRevokePayload is the payload of a grant:revoke action.
type GrantRevokePayload struct {
	GrantID               string `json:"grantId"`
	ExpectedSignatureHash string `json:"expectedSignatureHash,omitempty"`
}

// ColumnDef describes one column of a tenant table.
type ColumnDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableDef describes one tenant table installed by schema:apply.
type TableDef struct {
	Name    string      `json:"name"`
	Columns []ColumnDef `json:"columns"`
}

// AIAssist links a schema mutation to an approved AI draft.
type AIAssist struct {
	DraftID    string `json:"draftId"`
	DraftHash  string `json:"draftHash"`
	ApprovalID string `json:"approvalId,omitempty"`
	ApprovedBy string `json:"approvedBy,omitempty"`
}

// SchemaApplyPayload is the payload of a schema:apply action.
type SchemaApplyPayload struct {
	Tables   []TableDef           `json:"tables"`
	Grants   []GrantCreatePayload `json:"grants,omitempty"`
	AIAssist *AIAssist            `json:"aiAssist,omitempty"`
}

// SchemaSubmitPayload is the payload of a schema:submit action. The draft is
// opaque; the agent hashes and forwards it without interpretation.
type SchemaSubmitPayload struct {
	Draft json.RawMessage `json:"draft"`
}

// ApproveDraftPayload is the payload of an ai:draft:approve action.
type ApproveDraftPayload struct {
	DraftID   string `json:"draftId"`
	DraftHash string `json:"draftHash"`
}

// DataExecutePayload is the payload of a data:execute action: grant-gated
// CRUD against one tenant table.
type DataExecutePayload struct {
	Operation Operation         `json:"operation"`
	Table     string            `json:"table"`
	Values    map[string]any    `json:"values,omitempty"`
	Where     map[string]any    `json:"where,omitempty"`
	Columns   []string          `json:"columns,omitempty"`
	OrderBy   map[string]string `json:"orderBy,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

// A2ATaskRequest is the body of POST /v1/a2a/tasks.
type A2ATaskRequest struct {
	TaskType string          `json:"taskType"`
	Input    json.RawMessage `json:"input"`
}
