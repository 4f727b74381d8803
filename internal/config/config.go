// Package config holds the runtime settings of both daemons.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	defaultLedgerListenAddr   = ":8081"
	defaultLedgerOpsAddr      = ":7001"
	defaultLedgerDatabaseURL  = "sqlite:///tmp/cafeledger/ledger.db"
	defaultSessionListenAddr  = ":8080"
	defaultSessionOpsAddr     = ":7000"
	defaultSessionDatabaseURL = "sqlite:///tmp/cafeledger/sessions.db"
	defaultLedgerURL          = "http://localhost:8081"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultLogLevel           = "info"
	defaultLedgerTimeout      = 3 * time.Second
	defaultRetryMaxTries      = 3
	defaultRetryDeadline      = 5 * time.Second
	defaultReconcileInterval  = 30 * time.Second
	defaultReconcileBatch     = 50
	defaultExpiryInterval     = time.Minute
	defaultReconcileLockKey   = "cafeledger:billing:reconciler"
	maxSnowflakeNode          = 1023
)

// LedgerConfig aggregates runtime settings for the account ledger daemon.
type LedgerConfig struct {
	ListenAddr     string
	OpsAddr        string
	DatabaseURL    string
	AllowedOrigins []string
	LogLevel       string
	OTLPEndpoint   string
}

// Validate fills defaults and rejects unusable values.
func (cfg *LedgerConfig) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultLedgerListenAddr)
	cfg.OpsAddr = defaultIfEmpty(cfg.OpsAddr, defaultLedgerOpsAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultLedgerDatabaseURL)
	cfg.LogLevel = defaultIfEmpty(cfg.LogLevel, defaultLogLevel)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.ListenAddr == cfg.OpsAddr {
		return fmt.Errorf("listen addr and ops addr must differ")
	}
	return nil
}

// SessionConfig aggregates runtime settings for the session daemon.
type SessionConfig struct {
	ListenAddr         string
	OpsAddr            string
	DatabaseURL        string
	LedgerURL          string
	LedgerTimeout      time.Duration
	AllowedOrigins     []string
	OperatorSigningKey string
	OperatorIssuer     string
	LogLevel           string
	OTLPEndpoint       string
	SnowflakeNode      int64

	RetryMaxTries     uint
	RetryDeadline     time.Duration
	MaxChargeAttempts int
	ReconcileInterval time.Duration
	ReconcileBatch    int
	RedisURL          string
	ReconcileLockKey  string

	MaxSessionDuration time.Duration
	ExpiryInterval     time.Duration
}

// Validate fills defaults and rejects unusable values.
func (cfg *SessionConfig) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultSessionListenAddr)
	cfg.OpsAddr = defaultIfEmpty(cfg.OpsAddr, defaultSessionOpsAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultSessionDatabaseURL)
	cfg.LedgerURL = defaultIfEmpty(cfg.LedgerURL, defaultLedgerURL)
	cfg.LogLevel = defaultIfEmpty(cfg.LogLevel, defaultLogLevel)
	cfg.ReconcileLockKey = defaultIfEmpty(cfg.ReconcileLockKey, defaultReconcileLockKey)
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = defaultLedgerTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RetryMaxTries == 0 {
		cfg.RetryMaxTries = defaultRetryMaxTries
	}
	if cfg.RetryDeadline <= 0 {
		cfg.RetryDeadline = defaultRetryDeadline
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = defaultReconcileBatch
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = defaultExpiryInterval
	}
	if cfg.MaxSessionDuration < 0 {
		return fmt.Errorf("max session duration must not be negative")
	}
	if cfg.MaxChargeAttempts < 0 {
		return fmt.Errorf("max charge attempts must not be negative")
	}
	if cfg.SnowflakeNode < 0 || cfg.SnowflakeNode > maxSnowflakeNode {
		return fmt.Errorf("snowflake node must be between 0 and %d", maxSnowflakeNode)
	}
	if len(strings.TrimSpace(cfg.OperatorSigningKey)) == 0 {
		return fmt.Errorf("operator signing key is required")
	}
	parsed, err := url.Parse(cfg.LedgerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("ledger url %q must be absolute", cfg.LedgerURL)
	}
	if cfg.ListenAddr == cfg.OpsAddr {
		return fmt.Errorf("listen addr and ops addr must differ")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
