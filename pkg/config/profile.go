package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML deployment profile layered over the
// environment. Values present in the profile override env-derived defaults;
// zero values are ignored.
type Profile struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	Limits struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
		TaskWorkers    int `yaml:"task_workers"`
		TaskQueueDepth int `yaml:"task_queue_depth"`
	} `yaml:"limits"`

	Auth struct {
		NonceTTLSeconds      int `yaml:"nonce_ttl_seconds"`
		MaxFutureSkewSeconds int `yaml:"max_future_skew_seconds"`
	} `yaml:"auth"`

	Capabilities map[string]CapabilityRule `yaml:"capabilities"`
	AgentPeers   map[string]AgentPeer      `yaml:"agent_peers"`
}

// applyProfile loads a YAML profile from path and merges it into cfg.
func applyProfile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}

	if p.ServiceName != "" {
		cfg.ServiceName = p.ServiceName
	}
	if p.ServiceVersion != "" {
		cfg.ServiceVersion = p.ServiceVersion
	}
	if p.Limits.RateLimitRPS > 0 {
		cfg.RateLimitRPS = p.Limits.RateLimitRPS
	}
	if p.Limits.RateLimitBurst > 0 {
		cfg.RateLimitBurst = p.Limits.RateLimitBurst
	}
	if p.Limits.TaskWorkers > 0 {
		cfg.TaskWorkers = p.Limits.TaskWorkers
	}
	if p.Limits.TaskQueueDepth > 0 {
		cfg.TaskQueueDepth = p.Limits.TaskQueueDepth
	}
	if p.Auth.NonceTTLSeconds > 0 {
		cfg.NonceTTL = time.Duration(p.Auth.NonceTTLSeconds) * time.Second
	}
	if p.Auth.MaxFutureSkewSeconds > 0 {
		cfg.MaxFutureSkew = time.Duration(p.Auth.MaxFutureSkewSeconds) * time.Second
	}
	for cap, rule := range p.Capabilities {
		cfg.CapabilityRules[cap] = rule
	}
	for id, peer := range p.AgentPeers {
		cfg.AgentPeers[id] = peer
	}
	return nil
}
