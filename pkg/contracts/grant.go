package contracts

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ScopeType partitions grants between the whole tenant database and a
// single table.
type ScopeType string

const (
	ScopeDatabase ScopeType = "database"
	ScopeTable    ScopeType = "table"
)

// Operation is the data-plane verb a grant covers.
type Operation string

const (
	OpRead   Operation = "read"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpAlter  Operation = "alter"
	OpAll    Operation = "all"
)

// Effect is the polarity of a grant. Deny strictly overrides allow.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Grant is a tenant-scoped allow/deny rule over (wallet, scope, operation).
type Grant struct {
	GrantID       string    `json:"grantId"`
	TenantID      string    `json:"tenantId"`
	WalletAddress string    `json:"walletAddress"`
	ScopeType     ScopeType `json:"scopeType"`
	ScopeID       string    `json:"scopeId"`
	Operation     Operation `json:"operation"`
	Effect        Effect    `json:"effect"`
	IssuedBy      string    `json:"issuedBy"`
	IssuedAt      time.Time `json:"issuedAt"`
	SignatureHash string    `json:"signatureHash"`
}

// Key returns the uniqueness key for the grant store.
func (g Grant) Key() string {
	return strings.Join([]string{
		g.TenantID, g.WalletAddress, string(g.ScopeType), g.ScopeID, string(g.Operation), string(g.Effect),
	}, "|")
}

var (
	tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
	walletPattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// ValidTenantID reports whether id is a well-formed tenant identifier.
func ValidTenantID(id string) bool { return tenantIDPattern.MatchString(id) }

// NormalizeWallet lowercases a 0x-prefixed EVM address, rejecting anything
// that is not 40 hex characters.
func NormalizeWallet(addr string) (string, error) {
	if !walletPattern.MatchString(addr) {
		return "", fmt.Errorf("invalid wallet address %q", addr)
	}
	return strings.ToLower(addr), nil
}

// ValidateScope enforces the grant scope invariant: the wildcard scope id is
// only legal for database-scoped grants.
func ValidateScope(scopeType ScopeType, scopeID string) error {
	switch scopeType {
	case ScopeDatabase:
		if scopeID != "*" {
			return fmt.Errorf("database scope requires scopeId %q, got %q", "*", scopeID)
		}
	case ScopeTable:
		if scopeID == "" || scopeID == "*" {
			return fmt.Errorf("table scope requires a concrete table name")
		}
	default:
		return fmt.Errorf("unknown scope type %q", scopeType)
	}
	return nil
}

// ValidOperation reports whether op is a recognized grant operation.
func ValidOperation(op Operation) bool {
	switch op {
	case OpRead, OpInsert, OpUpdate, OpDelete, OpAlter, OpAll:
		return true
	}
	return false
}

// ValidEffect reports whether e is a recognized grant effect.
func ValidEffect(e Effect) bool { return e == EffectAllow || e == EffectDeny }
