package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/privatedb/agent/pkg/canonicalize"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

var (
	// ErrDraftNotFound is returned when approving or resolving an unknown
	// draft id.
	ErrDraftNotFound = errors.New("schema: draft not found")
	// ErrDraftHashMismatch is returned when an approval or apply presents a
	// hash that does not match the stored draft.
	ErrDraftHashMismatch = errors.New("schema: draft hash mismatch")
)

// DraftVerification is recorded on every stored draft. Drafts are opaque;
// the only verification the agent performs is hash stability over the
// canonical JSON form.
const DraftVerification = "sha256-canonical-json"

// DraftStore persists AI drafts and the approvals that bind a wallet
// signature to a specific (draftId, draftHash) pair.
type DraftStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewDraftStore builds the store over the adapter.
func NewDraftStore(adapter database.Adapter) *DraftStore {
	return &DraftStore{db: adapter.DB(), dialect: adapter.Dialect(), now: time.Now}
}

// CreateDraft hashes the opaque draft content and records it. Kind is
// "schema" or "policy" depending on which endpoint received it.
func (s *DraftStore) CreateDraft(ctx context.Context, tenantID, signer, kind string, content json.RawMessage) (contracts.Draft, error) {
	hash, err := canonicalize.HashHex(content)
	if err != nil {
		return contracts.Draft{}, fmt.Errorf("schema: hash draft: %w", err)
	}
	draft := contracts.Draft{
		DraftID:       "draft_" + uuid.New().String(),
		DraftHash:     hash,
		TenantID:      tenantID,
		SignerAddress: signer,
		Kind:          kind,
		Verification:  DraftVerification,
		CreatedAt:     s.now().UTC(),
	}
	query := database.Rebind(s.dialect, `
		INSERT INTO ai_drafts (draft_id, draft_hash, tenant_id, signer_address, kind, verification, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, draft.DraftID, draft.DraftHash, draft.TenantID,
		draft.SignerAddress, draft.Kind, draft.Verification, draft.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return contracts.Draft{}, fmt.Errorf("schema: store draft: %w", err)
	}
	return draft, nil
}

// Draft returns a stored draft by id.
func (s *DraftStore) Draft(ctx context.Context, draftID string) (contracts.Draft, error) {
	query := database.Rebind(s.dialect, `
		SELECT draft_id, draft_hash, tenant_id, signer_address, kind, verification, created_at
		FROM ai_drafts WHERE draft_id = ?`)
	var d contracts.Draft
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, draftID).Scan(
		&d.DraftID, &d.DraftHash, &d.TenantID, &d.SignerAddress, &d.Kind, &d.Verification, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Draft{}, ErrDraftNotFound
	}
	if err != nil {
		return contracts.Draft{}, fmt.Errorf("schema: load draft: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		d.CreatedAt = t
	}
	return d, nil
}

// Approve records an approval for (draftId, draftHash). The hash must match
// the stored draft exactly.
func (s *DraftStore) Approve(ctx context.Context, draftID, draftHash, approvedBy string) (contracts.Approval, error) {
	draft, err := s.Draft(ctx, draftID)
	if err != nil {
		return contracts.Approval{}, err
	}
	if draft.DraftHash != draftHash {
		return contracts.Approval{}, ErrDraftHashMismatch
	}

	approval := contracts.Approval{
		ApprovalID: "appr_" + uuid.New().String(),
		DraftID:    draftID,
		DraftHash:  draftHash,
		ApprovedBy: approvedBy,
		ApprovedAt: s.now().UTC(),
	}
	query := database.Rebind(s.dialect, `
		INSERT INTO ai_approvals (approval_id, draft_id, draft_hash, approved_by, approved_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, approval.ApprovalID, approval.DraftID,
		approval.DraftHash, approval.ApprovedBy, approval.ApprovedAt.Format(time.RFC3339))
	if err != nil {
		return contracts.Approval{}, fmt.Errorf("schema: store approval: %w", err)
	}
	return approval, nil
}

// Approval resolves an approval by id. Used by the AI-assist gate on
// schema:apply.
func (s *DraftStore) Approval(ctx context.Context, approvalID string) (contracts.Approval, error) {
	query := database.Rebind(s.dialect, `
		SELECT approval_id, draft_id, draft_hash, approved_by, approved_at
		FROM ai_approvals WHERE approval_id = ?`)
	var a contracts.Approval
	var approvedAt string
	err := s.db.QueryRowContext(ctx, query, approvalID).Scan(
		&a.ApprovalID, &a.DraftID, &a.DraftHash, &a.ApprovedBy, &approvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Approval{}, sql.ErrNoRows
	}
	if err != nil {
		return contracts.Approval{}, fmt.Errorf("schema: load approval: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, approvedAt); err == nil {
		a.ApprovedAt = t
	}
	return a, nil
}

// VerifyAssist checks an AI-assist reference on a schema:apply payload:
// the approval must exist and bind the same draft id, hash, and approver.
func (s *DraftStore) VerifyAssist(ctx context.Context, assist *contracts.AIAssist) error {
	if assist == nil {
		return nil
	}
	if assist.ApprovalID == "" {
		return fmt.Errorf("schema: draft %s has no approval reference", assist.DraftID)
	}
	approval, err := s.Approval(ctx, assist.ApprovalID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("schema: approval %s not found", assist.ApprovalID)
	}
	if err != nil {
		return err
	}
	if approval.DraftID != assist.DraftID || approval.DraftHash != assist.DraftHash {
		return fmt.Errorf("schema: approval %s does not cover draft %s", assist.ApprovalID, assist.DraftID)
	}
	if assist.ApprovedBy != "" && approval.ApprovedBy != assist.ApprovedBy {
		return fmt.Errorf("schema: approval %s approver mismatch", assist.ApprovalID)
	}
	return nil
}
