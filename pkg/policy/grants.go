package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

var (
	// ErrGrantNotFound is returned when revoking an unknown grant.
	ErrGrantNotFound = errors.New("policy: grant not found")
	// ErrSignatureHashMismatch is returned when a revoke asserts an
	// expectedSignatureHash that does not match the stored grant.
	ErrSignatureHashMismatch = errors.New("policy: grant signature hash mismatch")
)

// GrantDecision is the result of evaluating a grant-gated operation.
type GrantDecision struct {
	Allowed bool
	Code    string
	Message string
}

// GrantStore persists grants in the backing store and serves evaluations
// from a per-tenant cache. Mutations serialize per tenant; reads are
// concurrent.
type GrantStore struct {
	db      *sql.DB
	dialect string

	mu      sync.Mutex // guards tenants map itself
	tenants map[string]*tenantGrants
}

type tenantGrants struct {
	mu     sync.RWMutex
	loaded bool
	grants map[string]contracts.Grant // uniqueness key → grant
}

// NewGrantStore builds the store over the adapter's database handle.
func NewGrantStore(adapter database.Adapter) *GrantStore {
	return &GrantStore{
		db:      adapter.DB(),
		dialect: adapter.Dialect(),
		tenants: make(map[string]*tenantGrants),
	}
}

func (s *GrantStore) tenant(tenantID string) *tenantGrants {
	s.mu.Lock()
	defer s.mu.Unlock()
	tg, ok := s.tenants[tenantID]
	if !ok {
		tg = &tenantGrants{grants: make(map[string]contracts.Grant)}
		s.tenants[tenantID] = tg
	}
	return tg
}

func (s *GrantStore) load(ctx context.Context, tg *tenantGrants, tenantID string) error {
	if tg.loaded {
		return nil
	}
	query := database.Rebind(s.dialect, `
		SELECT grant_id, tenant_id, wallet_address, scope_type, scope_id,
		       operation, effect, issued_by, issued_at, signature_hash
		FROM policy_grants WHERE tenant_id = ?`)
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("policy: load grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var g contracts.Grant
		var issuedAt string
		if err := rows.Scan(&g.GrantID, &g.TenantID, &g.WalletAddress, &g.ScopeType,
			&g.ScopeID, &g.Operation, &g.Effect, &g.IssuedBy, &issuedAt, &g.SignatureHash); err != nil {
			return fmt.Errorf("policy: scan grant: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, issuedAt); err == nil {
			g.IssuedAt = t
		}
		tg.grants[g.Key()] = g
	}
	if err := rows.Err(); err != nil {
		return err
	}
	tg.loaded = true
	return nil
}

// Create inserts a grant. Creating a grant identical under the uniqueness
// key returns the stored grant without error.
func (s *GrantStore) Create(ctx context.Context, g contracts.Grant) (contracts.Grant, error) {
	tg := s.tenant(g.TenantID)
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if err := s.load(ctx, tg, g.TenantID); err != nil {
		return contracts.Grant{}, err
	}

	if existing, ok := tg.grants[g.Key()]; ok {
		return existing, nil
	}

	query := database.Rebind(s.dialect, `
		INSERT INTO policy_grants (grant_id, tenant_id, wallet_address, scope_type,
			scope_id, operation, effect, issued_by, issued_at, signature_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		g.GrantID, g.TenantID, g.WalletAddress, string(g.ScopeType), g.ScopeID,
		string(g.Operation), string(g.Effect), g.IssuedBy,
		g.IssuedAt.UTC().Format(time.RFC3339), g.SignatureHash)
	if err != nil {
		return contracts.Grant{}, fmt.Errorf("policy: insert grant: %w", err)
	}
	tg.grants[g.Key()] = g
	return g, nil
}

// Revoke removes a grant by id. When expectedSignatureHash is non-empty it
// must match the stored grant's signature hash.
func (s *GrantStore) Revoke(ctx context.Context, tenantID, grantID, expectedSignatureHash string) error {
	tg := s.tenant(tenantID)
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if err := s.load(ctx, tg, tenantID); err != nil {
		return err
	}

	var found *contracts.Grant
	for key := range tg.grants {
		g := tg.grants[key]
		if g.GrantID == grantID {
			found = &g
			break
		}
	}
	if found == nil {
		return ErrGrantNotFound
	}
	if expectedSignatureHash != "" && found.SignatureHash != expectedSignatureHash {
		return ErrSignatureHashMismatch
	}

	query := database.Rebind(s.dialect, `DELETE FROM policy_grants WHERE tenant_id = ? AND grant_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, tenantID, grantID); err != nil {
		return fmt.Errorf("policy: delete grant: %w", err)
	}
	delete(tg.grants, found.Key())
	return nil
}

// List returns a tenant's grants, optionally filtered by wallet, ordered by
// issue time.
func (s *GrantStore) List(ctx context.Context, tenantID, wallet string) ([]contracts.Grant, error) {
	tg := s.tenant(tenantID)
	tg.mu.Lock()
	if err := s.load(ctx, tg, tenantID); err != nil {
		tg.mu.Unlock()
		return nil, err
	}
	tg.mu.Unlock()

	tg.mu.RLock()
	defer tg.mu.RUnlock()
	out := make([]contracts.Grant, 0, len(tg.grants))
	for _, g := range tg.grants {
		if wallet != "" && g.WalletAddress != wallet {
			continue
		}
		out = append(out, g)
	}
	sortGrants(out)
	return out, nil
}

// HasAny reports whether the tenant has at least one grant. Used by the
// bootstrap rule.
func (s *GrantStore) HasAny(ctx context.Context, tenantID string) (bool, error) {
	grants, err := s.List(ctx, tenantID, "")
	if err != nil {
		return false, err
	}
	return len(grants) > 0, nil
}

// Evaluate runs the grant algebra for (tenant, wallet, scope, operation):
// any matching deny wins, then any matching allow, then default deny.
func (s *GrantStore) Evaluate(ctx context.Context, tenantID, wallet string, scopeType contracts.ScopeType, scopeID string, op contracts.Operation) (GrantDecision, error) {
	tg := s.tenant(tenantID)
	tg.mu.Lock()
	if err := s.load(ctx, tg, tenantID); err != nil {
		tg.mu.Unlock()
		return GrantDecision{}, err
	}
	tg.mu.Unlock()

	tg.mu.RLock()
	defer tg.mu.RUnlock()

	anyAllow := false
	for _, g := range tg.grants {
		if g.WalletAddress != wallet {
			continue
		}
		if !scopeCovers(g.ScopeType, g.ScopeID, scopeType, scopeID) {
			continue
		}
		if g.Operation != contracts.OpAll && g.Operation != op {
			continue
		}
		if g.Effect == contracts.EffectDeny {
			return GrantDecision{
				Allowed: false,
				Code:    contracts.CodePolicyDeniedExplicitDeny,
				Message: "an explicit deny grant covers this operation",
			}, nil
		}
		anyAllow = true
	}
	if anyAllow {
		return GrantDecision{Allowed: true, Code: contracts.CodeAllowed}, nil
	}
	return GrantDecision{
		Allowed: false,
		Code:    contracts.CodePolicyNoMatchingGrant,
		Message: "no grant covers this operation",
	}, nil
}

// scopeCovers implements the cover relation: database:* covers everything in
// the tenant; table:t covers only table:t.
func scopeCovers(grantType contracts.ScopeType, grantID string, reqType contracts.ScopeType, reqID string) bool {
	if grantType == contracts.ScopeDatabase && grantID == "*" {
		return true
	}
	return grantType == reqType && grantID == reqID
}

func sortGrants(grants []contracts.Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].IssuedAt.Equal(grants[j].IssuedAt) {
			return grants[i].GrantID < grants[j].GrantID
		}
		return grants[i].IssuedAt.Before(grants[j].IssuedAt)
	})
}
