// Copyright 2025 Certen Protocol
//
// Environment-driven configuration for the Cloak indexer and relay
// services: a flat struct populated once via os.Getenv helpers, validated
// explicitly before use, never mutated afterwards.
//
// Load fails fast on any CLOAK_-prefixed environment variable it does
// not recognize, so a typo surfaces at startup instead of silently
// no-oping.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration shared by the indexer and the relay.
// Per-service binaries read only the fields relevant to them; both embed
// this one struct so the "reject unknown CLOAK_* vars" pass covers the
// union of every recognized key in one place.
type Config struct {
	// Database Configuration
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime time.Duration
	DatabaseMaxLifetime time.Duration

	// Chain Configuration (opaque ledger collaborator, see pkg/chain)
	ChainRPCURL           string
	ChainRPCURLs          []string // additional endpoints for the connection pool
	ShieldPoolProgramID   string
	RegistryProgramID     string
	AuthorityKeyPath      string
	AdminAuthorityKeyPath string

	// HTTP Configuration
	IndexerListenAddr string
	RelayListenAddr   string
	MetricsAddr       string

	// Deadlines & retry policy
	RequestDeadline        time.Duration
	ClaimRetryMaxAttempts  int
	ClaimSafetyMarginSlots uint64
	HTTPDeadline           time.Duration

	// Root publisher
	PublishInterval     time.Duration
	PublishAfterAppends int

	// Relay worker
	WorkerPoolSize  int
	RelayFeeBps     int
	ProtocolFeeSink string // 32-byte hex account the withdrawal fee routes to

	// Fee policy: protocol constants bound to the on-chain program version.
	ProtocolFeeFixed uint64

	// Retention
	StatusRetentionDays int

	LogLevel string

	// KV frontier cache (pkg/kvdb), optional. The accumulator is rebuilt
	// from the leaf log on every restart; when set, the cached frontier is
	// cross-checked against the rebuilt one. Empty disables the cache.
	FrontierCachePath string

	// Proof-artifact manifest: path to the YAML file parsed by
	// pkg/artifacts; empty disables the artifact endpoints' manifest.
	ArtifactsManifestPath string

	// Prover proxy: a deployment choice, off by default. When enabled the
	// indexer forwards /api/v1/prove to the external prover, rate-limited.
	ProverProxyEnabled       bool
	ProverProxyURL           string
	ProverProxyRatePerSecond int
}

// recognized is the set of CLOAK_* environment variable names Load()
// understands. Keep this in lockstep with the getEnv* calls in Load.
var recognized = map[string]bool{
	"CLOAK_DATABASE_URL":                 true,
	"CLOAK_DATABASE_MAX_CONNS":           true,
	"CLOAK_DATABASE_MIN_CONNS":           true,
	"CLOAK_DATABASE_MAX_IDLE_TIME":       true,
	"CLOAK_DATABASE_MAX_LIFETIME":        true,
	"CLOAK_CHAIN_RPC_URL":                true,
	"CLOAK_CHAIN_RPC_URLS":               true,
	"CLOAK_SHIELD_POOL_PROGRAM_ID":       true,
	"CLOAK_REGISTRY_PROGRAM_ID":          true,
	"CLOAK_AUTHORITY_KEY_PATH":           true,
	"CLOAK_ADMIN_AUTHORITY_KEY_PATH":     true,
	"CLOAK_INDEXER_LISTEN_ADDR":          true,
	"CLOAK_RELAY_LISTEN_ADDR":            true,
	"CLOAK_METRICS_ADDR":                 true,
	"CLOAK_REQUEST_DEADLINE_SECONDS":     true,
	"CLOAK_CLAIM_RETRY_MAX_ATTEMPTS":     true,
	"CLOAK_CLAIM_SAFETY_MARGIN_SLOTS":    true,
	"CLOAK_HTTP_DEADLINE_SECONDS":        true,
	"CLOAK_PUBLISH_INTERVAL_SECONDS":     true,
	"CLOAK_PUBLISH_AFTER_APPENDS":        true,
	"CLOAK_WORKER_POOL_SIZE":             true,
	"CLOAK_RELAY_FEE_BPS":                true,
	"CLOAK_PROTOCOL_FEE_SINK":            true,
	"CLOAK_PROTOCOL_FEE_FIXED":           true,
	"CLOAK_STATUS_RETENTION_DAYS":        true,
	"CLOAK_LOG_LEVEL":                    true,
	"CLOAK_FRONTIER_CACHE_PATH":          true,
	"CLOAK_ARTIFACTS_MANIFEST_PATH":      true,
	"CLOAK_PROVER_PROXY_ENABLED":         true,
	"CLOAK_PROVER_PROXY_URL":             true,
	"CLOAK_PROVER_PROXY_RATE_PER_SECOND": true,
}

// Load reads configuration from CLOAK_* environment variables, applying
// the defaults below, and rejects any CLOAK_-prefixed variable it does not
// recognize so that typos fail at startup instead of silently no-oping.
func Load() (*Config, error) {
	if err := rejectUnknownVars(); err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:         getEnv("CLOAK_DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("CLOAK_DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("CLOAK_DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvDuration("CLOAK_DATABASE_MAX_IDLE_TIME", 5*time.Minute),
		DatabaseMaxLifetime: getEnvDuration("CLOAK_DATABASE_MAX_LIFETIME", time.Hour),

		ChainRPCURL:           getEnv("CLOAK_CHAIN_RPC_URL", ""),
		ChainRPCURLs:          splitCSV(getEnv("CLOAK_CHAIN_RPC_URLS", "")),
		ShieldPoolProgramID:   getEnv("CLOAK_SHIELD_POOL_PROGRAM_ID", ""),
		RegistryProgramID:     getEnv("CLOAK_REGISTRY_PROGRAM_ID", ""),
		AuthorityKeyPath:      getEnv("CLOAK_AUTHORITY_KEY_PATH", ""),
		AdminAuthorityKeyPath: getEnv("CLOAK_ADMIN_AUTHORITY_KEY_PATH", ""),

		IndexerListenAddr: getEnv("CLOAK_INDEXER_LISTEN_ADDR", "0.0.0.0:8090"),
		RelayListenAddr:   getEnv("CLOAK_RELAY_LISTEN_ADDR", "0.0.0.0:8091"),
		MetricsAddr:       getEnv("CLOAK_METRICS_ADDR", "0.0.0.0:9090"),

		RequestDeadline:        getEnvDuration("CLOAK_REQUEST_DEADLINE_SECONDS", 5*time.Minute),
		ClaimRetryMaxAttempts:  getEnvInt("CLOAK_CLAIM_RETRY_MAX_ATTEMPTS", 10),
		ClaimSafetyMarginSlots: uint64(getEnvInt("CLOAK_CLAIM_SAFETY_MARGIN_SLOTS", 2)),
		HTTPDeadline:           getEnvDuration("CLOAK_HTTP_DEADLINE_SECONDS", 30*time.Second),

		PublishInterval:     getEnvDuration("CLOAK_PUBLISH_INTERVAL_SECONDS", 30*time.Second),
		PublishAfterAppends: getEnvInt("CLOAK_PUBLISH_AFTER_APPENDS", 32),

		WorkerPoolSize:  getEnvInt("CLOAK_WORKER_POOL_SIZE", 4),
		RelayFeeBps:     getEnvInt("CLOAK_RELAY_FEE_BPS", 0),
		ProtocolFeeSink: getEnv("CLOAK_PROTOCOL_FEE_SINK", ""),

		ProtocolFeeFixed: uint64(getEnvInt("CLOAK_PROTOCOL_FEE_FIXED", 2_500_000)),

		StatusRetentionDays: getEnvInt("CLOAK_STATUS_RETENTION_DAYS", 7),

		LogLevel: getEnv("CLOAK_LOG_LEVEL", "info"),

		FrontierCachePath:     getEnv("CLOAK_FRONTIER_CACHE_PATH", ""),
		ArtifactsManifestPath: getEnv("CLOAK_ARTIFACTS_MANIFEST_PATH", ""),

		ProverProxyEnabled:       getEnvBool("CLOAK_PROVER_PROXY_ENABLED", false),
		ProverProxyURL:           getEnv("CLOAK_PROVER_PROXY_URL", ""),
		ProverProxyRatePerSecond: getEnvInt("CLOAK_PROVER_PROXY_RATE_PER_SECOND", 2),
	}

	return cfg, nil
}

// Validate checks that all fields required to run either service are
// present and well-formed. Call after Load(), before starting a service.
func (c *Config) Validate() error {
	var problems []string

	if c.DatabaseURL == "" {
		problems = append(problems, "CLOAK_DATABASE_URL is required")
	}
	if c.ChainRPCURL == "" {
		problems = append(problems, "CLOAK_CHAIN_RPC_URL is required")
	}
	if c.ShieldPoolProgramID == "" {
		problems = append(problems, "CLOAK_SHIELD_POOL_PROGRAM_ID is required")
	}
	if c.RegistryProgramID == "" {
		problems = append(problems, "CLOAK_REGISTRY_PROGRAM_ID is required")
	}
	if c.AuthorityKeyPath == "" {
		problems = append(problems, "CLOAK_AUTHORITY_KEY_PATH is required")
	}
	if c.ClaimSafetyMarginSlots < 2 {
		problems = append(problems, "CLOAK_CLAIM_SAFETY_MARGIN_SLOTS must be >= 2")
	}
	if c.RelayFeeBps < 0 || c.RelayFeeBps > 1000 {
		problems = append(problems, "CLOAK_RELAY_FEE_BPS must be in [0, 1000]")
	}
	if c.ProtocolFeeSink != "" && len(strings.TrimPrefix(c.ProtocolFeeSink, "0x")) != 64 {
		problems = append(problems, "CLOAK_PROTOCOL_FEE_SINK must be a 32-byte hex account")
	}
	if c.ProverProxyEnabled && c.ProverProxyURL == "" {
		problems = append(problems, "CLOAK_PROVER_PROXY_URL is required when CLOAK_PROVER_PROXY_ENABLED is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// rejectUnknownVars fails fast if an operator sets a CLOAK_-prefixed
// variable Load does not understand.
func rejectUnknownVars() error {
	var unknown []string
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "CLOAK_") {
			continue
		}
		if !recognized[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("config: unrecognized environment variable(s): %s", strings.Join(unknown, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
