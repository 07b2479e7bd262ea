// Package contracts defines the wire-level types shared across the agent:
// request envelopes, decisions, receipts, grants, tasks, and audit records.
package contracts

// Outcome is the final judgment for a request.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// Stage identifies the pipeline stage that produced a decision.
type Stage string

const (
	StageValidation     Stage = "validation"
	StageAuthentication Stage = "authentication"
	StagePolicy         Stage = "policy"
	StageExecution      Stage = "execution"
	StageService        Stage = "service"
)

// Decision captures the outcome of exactly one request. Every response the
// pipeline produces carries one, allowed or not.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Stage   Stage   `json:"stage"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}

// Allowed reports whether the decision permits the request.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// Validation codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeMissingField   = "MISSING_FIELD"
	CodeInvalidTenant  = "INVALID_TENANT"
)

// Authentication codes.
const (
	CodeMissingAuth            = "MISSING_AUTH"
	CodeSignerMismatch         = "SIGNER_MISMATCH"
	CodeSignatureDecodeFailed  = "SIGNATURE_DECODE_FAILED"
	CodeStaleTimestamp         = "STALE_TIMESTAMP"
	CodeFutureTimestamp        = "FUTURE_TIMESTAMP"
	CodeNonceReplay            = "NONCE_REPLAY"
	CodeA2ASignerNotConfigured = "A2A_SIGNER_NOT_CONFIGURED"
	CodeA2ASignatureMismatch   = "A2A_SIGNATURE_MISMATCH"
	CodeA2AAgentNotAllowed     = "A2A_AGENT_NOT_ALLOWED"
	CodeA2ANonceReplay         = "A2A_NONCE_REPLAY"
	CodeA2AMissingHeader       = "A2A_MISSING_HEADER"
)

// Policy codes.
const (
	CodeUnknownCapability        = "UNKNOWN_CAPABILITY"
	CodeTemplateNotAllowed       = "TEMPLATE_NOT_ALLOWED"
	CodeRequesterNotAllowed      = "REQUESTER_NOT_ALLOWED"
	CodeCapabilityModeMismatch   = "CAPABILITY_MODE_MISMATCH"
	CodePolicyDeniedExplicitDeny = "POLICY_DENIED_EXPLICIT_DENY"
	CodePolicyNoMatchingGrant    = "POLICY_NO_MATCHING_GRANT"
	CodeAIApprovalRequired       = "AI_APPROVAL_REQUIRED"
)

// Execution codes.
const (
	CodeUnknownQueryTemplate = "UNKNOWN_QUERY_TEMPLATE"
	CodeMissingParam         = "MISSING_PARAM"
	CodeInvalidParamType     = "INVALID_PARAM_TYPE"
	CodeInvalidParamRange    = "INVALID_PARAM_RANGE"
	CodeInvalidParamLength   = "INVALID_PARAM_LENGTH"
	CodeInvalidParamFormat   = "INVALID_PARAM_FORMAT"
	CodeInvalidParamValue    = "INVALID_PARAM_VALUE"
	CodeUnknownParam         = "UNKNOWN_PARAM"
	CodeUnsupportedDialect   = "UNSUPPORTED_DIALECT"
	CodeDBExecutionFailed    = "DB_EXECUTION_FAILED"
	CodeUnknownTable         = "UNKNOWN_TABLE"
	CodeUnknownColumn        = "UNKNOWN_COLUMN"
)

// Service codes.
const (
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeRequestTimeout     = "REQUEST_TIMEOUT"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Task and idempotency codes.
const (
	CodeA2ATaskAccepted         = "A2A_TASK_ACCEPTED"
	CodeA2ATaskReplay           = "A2A_TASK_REPLAY"
	CodeA2ATaskNotAllowed       = "A2A_TASK_NOT_ALLOWED"
	CodeIdempotencyKeyReused    = "IDEMPOTENCY_KEY_REUSED_WITH_DIFFERENT_PAYLOAD"
	CodeTaskAlreadyTerminal     = "TASK_ALREADY_TERMINAL"
	CodeTaskExecutionTimeout    = "TASK_EXECUTION_TIMEOUT"
	CodeTaskNotFound            = "TASK_NOT_FOUND"
	CodeUnknownTaskType         = "UNKNOWN_TASK_TYPE"
	CodeSubmissionForwarded     = "SUBMISSION_FORWARDED"
	CodeGrantSignatureHashMatch = "GRANT_SIGNATURE_HASH_MISMATCH"
)

// Audit codes.
const (
	CodeAuditLogged      = "AUDIT_LOGGED"
	CodeAuditWriteFailed = "AUDIT_WRITE_FAILED"
	CodeAuditDisabled    = "AUDIT_DISABLED"
)

// Success codes.
const (
	CodeAllowed = "ALLOWED"
)
