// Package config loads agent configuration from environment variables and
// optional deployment profiles.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CapabilityRule allows a set of query templates for one capability, with an
// optional requester allowlist.
type CapabilityRule struct {
	Templates  []string `json:"templates" yaml:"templates"`
	Requesters []string `json:"requesters,omitempty" yaml:"requesters,omitempty"`
}

// AgentPeer configures one peer agent allowed on the A2A channel.
type AgentPeer struct {
	Scheme           string   `json:"scheme" yaml:"scheme"` // "hmac-sha256" | "evm-personal-sign"
	SharedSecret     string   `json:"sharedSecret,omitempty" yaml:"sharedSecret,omitempty"`
	SignerAddress    string   `json:"signerAddress,omitempty" yaml:"signerAddress,omitempty"`
	AllowedTaskTypes []string `json:"allowedTaskTypes,omitempty" yaml:"allowedTaskTypes,omitempty"`
}

// Config holds the full server configuration.
type Config struct {
	Port           string
	ServiceName    string
	ServiceVersion string
	Environment    string

	AuthEnabled          bool
	NonceTTL             time.Duration
	MaxFutureSkew        time.Duration
	ReplayGuardMaxSize   int
	IdempotencyTTL       time.Duration
	IdempotencyMaxSize   int
	RequestTimeout       time.Duration
	TaskTimeout          time.Duration
	TaskWorkers          int
	TaskQueueDepth       int
	RateLimitRPS         int
	RateLimitBurst       int
	EnforceCapabilityMod bool

	CapabilityRules map[string]CapabilityRule

	DBDriver        string // "postgres" | "sqlite"
	DatabaseURL     string
	PostgresSSL     bool
	PostgresMaxPool int
	SQLiteFilePath  string

	A2ASharedSecret string
	A2AAgentID      string
	AgentPeers      map[string]AgentPeer

	ProofEnabled       bool
	ProofHashAlgorithm string
	ProofTrustModel    string
	AuditEnabled       bool

	// Confidential runtime claims, surfaced read-only.
	EigenAppID             string
	EigenImageDigest       string
	EigenAttestationHash   string
	EigenDeploymentTxHash  string
}

// Load reads configuration from the environment, applying defaults the way
// the service expects to run locally: sqlite file store, auth enabled,
// receipts enabled.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 envOr("PORT", "8080"),
		ServiceName:          envOr("SERVICE_NAME", "private-db-agent"),
		ServiceVersion:       envOr("SERVICE_VERSION", "0.0.0"),
		Environment:          envOr("NODE_ENV", "development"),
		AuthEnabled:          envBool("AUTH_ENABLED", true),
		NonceTTL:             time.Duration(envInt("AUTH_NONCE_TTL_SECONDS", 300)) * time.Second,
		MaxFutureSkew:        time.Duration(envInt("AUTH_MAX_FUTURE_SKEW_SECONDS", 30)) * time.Second,
		ReplayGuardMaxSize:   envInt("AUTH_REPLAY_GUARD_MAX_SIZE", 100000),
		IdempotencyTTL:       time.Duration(envInt("A2A_IDEMPOTENCY_TTL_SECONDS", 86400)) * time.Second,
		IdempotencyMaxSize:   envInt("A2A_IDEMPOTENCY_MAX_SIZE", 10000),
		RequestTimeout:       time.Duration(envInt("REQUEST_TIMEOUT_SECONDS", 15)) * time.Second,
		TaskTimeout:          time.Duration(envInt("A2A_TASK_TIMEOUT_SECONDS", 60)) * time.Second,
		TaskWorkers:          envInt("A2A_TASK_WORKERS", 4),
		TaskQueueDepth:       envInt("A2A_TASK_QUEUE_DEPTH", 256),
		RateLimitRPS:         envInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst:       envInt("RATE_LIMIT_BURST", 100),
		EnforceCapabilityMod: envBool("POLICY_ENFORCE_CAPABILITY_MODE", true),
		DBDriver:             envOr("DB_DRIVER", "sqlite"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		PostgresSSL:          envBool("POSTGRES_SSL", false),
		PostgresMaxPool:      envInt("POSTGRES_MAX_POOL_SIZE", 10),
		SQLiteFilePath:       envOr("SQLITE_FILE_PATH", "agent.db"),
		A2ASharedSecret:      os.Getenv("A2A_SHARED_SECRET"),
		A2AAgentID:           envOr("A2A_AGENT_ID", "private-db-agent"),
		ProofEnabled:         envBool("PROOF_ENABLED", true),
		ProofHashAlgorithm:   envOr("PROOF_HASH_ALGORITHM", "sha256"),
		ProofTrustModel:      envOr("PROOF_TRUST_MODEL", "eigencompute"),
		AuditEnabled:         envBool("AUDIT_ENABLED", true),
		EigenAppID:           os.Getenv("EIGEN_APP_ID"),
		EigenImageDigest:     os.Getenv("EIGEN_IMAGE_DIGEST"),
		EigenAttestationHash: os.Getenv("EIGEN_ATTESTATION_REPORT_HASH"),
		EigenDeploymentTxHash: os.Getenv("EIGEN_ONCHAIN_DEPLOYMENT_TX_HASH"),
	}

	switch cfg.DBDriver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("config: unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.DBDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required when DB_DRIVER=postgres")
	}

	rules, err := parseCapabilityRules(os.Getenv("POLICY_CAPABILITY_RULES_JSON"))
	if err != nil {
		return nil, err
	}
	cfg.CapabilityRules = rules

	cfg.AgentPeers = map[string]AgentPeer{}
	if raw := os.Getenv("A2A_AGENT_REGISTRY_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.AgentPeers); err != nil {
			return nil, fmt.Errorf("config: parse A2A_AGENT_REGISTRY_JSON: %w", err)
		}
	}
	// A single shared-secret peer can be configured without the registry.
	if cfg.A2ASharedSecret != "" {
		if _, ok := cfg.AgentPeers[cfg.A2AAgentID]; !ok {
			cfg.AgentPeers[cfg.A2AAgentID] = AgentPeer{
				Scheme:           "hmac-sha256",
				SharedSecret:     cfg.A2ASharedSecret,
				AllowedTaskTypes: []string{"query.execute"},
			}
		}
	}

	if path := os.Getenv("AGENT_PROFILE_PATH"); path != "" {
		if err := applyProfile(cfg, path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// DefaultCapabilityRules are the rules installed when no override is set.
func DefaultCapabilityRules() map[string]CapabilityRule {
	return map[string]CapabilityRule{
		"balances:read":     {Templates: []string{"wallet_balances"}},
		"positions:read":    {Templates: []string{"wallet_positions"}},
		"transactions:read": {Templates: []string{"wallet_transactions"}},
		"audit:write":       {Templates: []string{"access_log_insert"}},
	}
}

func parseCapabilityRules(raw string) (map[string]CapabilityRule, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultCapabilityRules(), nil
	}
	// Accept either {"cap": ["tpl"]} or {"cap": {"templates": [...], "requesters": [...]}}.
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("config: parse POLICY_CAPABILITY_RULES_JSON: %w", err)
	}
	rules := make(map[string]CapabilityRule, len(generic))
	for cap, body := range generic {
		var templates []string
		if err := json.Unmarshal(body, &templates); err == nil {
			rules[cap] = CapabilityRule{Templates: templates}
			continue
		}
		var rule CapabilityRule
		if err := json.Unmarshal(body, &rule); err != nil {
			return nil, fmt.Errorf("config: capability %q: %w", cap, err)
		}
		rules[cap] = rule
	}
	return rules, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
