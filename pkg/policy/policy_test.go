package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

const wallet = "0x8ba1f109551bd432803012645ac136ddd64dba72"

func testRules() *Rules {
	return NewRules(map[string]config.CapabilityRule{
		"balances:read": {Templates: []string{"wallet_balances", "wallet_positions"}},
		"audit:write": {
			Templates:  []string{"access_log_insert"},
			Requesters: []string{wallet},
		},
	})
}

func TestEvaluateUnknownCapability(t *testing.T) {
	d := testRules().Evaluate(wallet, "secrets:read", "wallet_balances")
	assert.Equal(t, contracts.CodeUnknownCapability, d.Code)
}

func TestEvaluateRequesterAllowlist(t *testing.T) {
	d := testRules().Evaluate("0xffffffffffffffffffffffffffffffffffffffff", "audit:write", "access_log_insert")
	assert.Equal(t, contracts.CodeRequesterNotAllowed, d.Code)

	// Allowlisted requester passes regardless of casing.
	d = testRules().Evaluate("0x8BA1F109551BD432803012645AC136DDD64DBA72", "audit:write", "access_log_insert")
	assert.Equal(t, contracts.CodeAllowed, d.Code)
}

func TestEvaluateTemplateNotAllowedCarriesAllowedSet(t *testing.T) {
	d := testRules().Evaluate(wallet, "balances:read", "access_log_insert")
	require.Equal(t, contracts.CodeTemplateNotAllowed, d.Code)
	assert.Equal(t, []string{"wallet_balances", "wallet_positions"}, d.AllowedTemplates)
}

func TestCapabilityMode(t *testing.T) {
	assert.Equal(t, database.ModeRead, CapabilityMode("balances:read"))
	assert.Equal(t, database.ModeWrite, CapabilityMode("audit:write"))
	assert.Equal(t, database.ModeRead, CapabilityMode("weird"))
}

func openStore(t *testing.T) *GrantStore {
	t.Helper()
	cfg := &config.Config{DBDriver: "sqlite", SQLiteFilePath: ":memory:"}
	adapter, err := database.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return NewGrantStore(adapter)
}

func grant(tenant, w string, st contracts.ScopeType, sid string, op contracts.Operation, eff contracts.Effect) contracts.Grant {
	return contracts.Grant{
		GrantID:       uuid.New().String(),
		TenantID:      tenant,
		WalletAddress: w,
		ScopeType:     st,
		ScopeID:       sid,
		Operation:     op,
		Effect:        eff,
		IssuedBy:      w,
		IssuedAt:      time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC),
		SignatureHash: "sig-" + sid,
	}
}

func TestGrantEvaluationLadder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	// No grants at all: default deny.
	d, err := s.Evaluate(ctx, "acme", wallet, contracts.ScopeTable, "orders", contracts.OpRead)
	require.NoError(t, err)
	assert.Equal(t, contracts.CodePolicyNoMatchingGrant, d.Code)

	// database:* all allow matches any table and operation.
	_, err = s.Create(ctx, grant("acme", wallet, contracts.ScopeDatabase, "*", contracts.OpAll, contracts.EffectAllow))
	require.NoError(t, err)
	d, err = s.Evaluate(ctx, "acme", wallet, contracts.ScopeTable, "orders", contracts.OpDelete)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Deny on a narrower scope overrides the broad allow.
	_, err = s.Create(ctx, grant("acme", wallet, contracts.ScopeTable, "orders", contracts.OpDelete, contracts.EffectDeny))
	require.NoError(t, err)
	d, err = s.Evaluate(ctx, "acme", wallet, contracts.ScopeTable, "orders", contracts.OpDelete)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.CodePolicyDeniedExplicitDeny, d.Code)

	// Other operations on the same table stay allowed.
	d, err = s.Evaluate(ctx, "acme", wallet, contracts.ScopeTable, "orders", contracts.OpRead)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGrantTableScopeDoesNotLeak(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Create(ctx, grant("acme", wallet, contracts.ScopeTable, "orders", contracts.OpRead, contracts.EffectAllow))
	require.NoError(t, err)

	// Different table: no match.
	d, err := s.Evaluate(ctx, "acme", wallet, contracts.ScopeTable, "invoices", contracts.OpRead)
	require.NoError(t, err)
	assert.Equal(t, contracts.CodePolicyNoMatchingGrant, d.Code)

	// Different tenant: no match.
	d, err = s.Evaluate(ctx, "globex", wallet, contracts.ScopeTable, "orders", contracts.OpRead)
	require.NoError(t, err)
	assert.Equal(t, contracts.CodePolicyNoMatchingGrant, d.Code)

	// Different operation: no match.
	d, err = s.Evaluate(ctx, "acme", wallet, contracts.ScopeTable, "orders", contracts.OpDelete)
	require.NoError(t, err)
	assert.Equal(t, contracts.CodePolicyNoMatchingGrant, d.Code)
}

func TestGrantCreateIsIdempotentOnUniquenessKey(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	g := grant("acme", wallet, contracts.ScopeTable, "orders", contracts.OpRead, contracts.EffectAllow)
	first, err := s.Create(ctx, g)
	require.NoError(t, err)

	dup := g
	dup.GrantID = uuid.New().String()
	second, err := s.Create(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, first.GrantID, second.GrantID)

	grants, err := s.List(ctx, "acme", "")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestGrantRevoke(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	g, err := s.Create(ctx, grant("acme", wallet, contracts.ScopeTable, "orders", contracts.OpRead, contracts.EffectAllow))
	require.NoError(t, err)

	// Wrong expected hash rejected.
	err = s.Revoke(ctx, "acme", g.GrantID, "not-the-hash")
	assert.ErrorIs(t, err, ErrSignatureHashMismatch)

	// Matching hash revokes.
	require.NoError(t, s.Revoke(ctx, "acme", g.GrantID, g.SignatureHash))
	has, err := s.HasAny(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, has)

	// Revoking again: not found.
	assert.ErrorIs(t, s.Revoke(ctx, "acme", g.GrantID, ""), ErrGrantNotFound)
}

func TestGrantStoreSurvivesCacheReload(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{DBDriver: "sqlite", SQLiteFilePath: ":memory:"}
	adapter, err := database.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	s1 := NewGrantStore(adapter)
	_, err = s1.Create(ctx, grant("acme", wallet, contracts.ScopeDatabase, "*", contracts.OpAll, contracts.EffectAllow))
	require.NoError(t, err)

	// A fresh store over the same database sees the persisted grant.
	s2 := NewGrantStore(adapter)
	d, err := s2.Evaluate(ctx, "acme", wallet, contracts.ScopeTable, "orders", contracts.OpRead)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
