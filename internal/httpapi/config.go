package httpapi

import (
	"fmt"
	"strings"
)

const (
	defaultListenAddr         = ":8080"
	defaultAllowedOrigin      = "http://localhost:3000"
	defaultWalletHistoryLimit = 20
	maximumWalletHistoryLimit = 100
	defaultRatePerMinuteCents = int64(2000)
	minimumTopUpAmountCents   = int64(100)
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	WalletHistoryLimit int
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.WalletHistoryLimit <= 0 {
		cfg.WalletHistoryLimit = defaultWalletHistoryLimit
	}
	if cfg.WalletHistoryLimit > maximumWalletHistoryLimit {
		cfg.WalletHistoryLimit = maximumWalletHistoryLimit
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
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

// DefaultRatePerMinuteCents is the fallback per-minute rate when a session
// request omits one.
func DefaultRatePerMinuteCents() int64 {
	return defaultRatePerMinuteCents
}

// MinimumTopUpAmountCents returns the smallest accepted recharge.
func MinimumTopUpAmountCents() int64 {
	return minimumTopUpAmountCents
}
