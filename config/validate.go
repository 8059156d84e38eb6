package config

import (
	"fmt"
	"strings"

	"jobescrow/native/currency"
)

var validLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {},
}

// Validate checks that the configuration can be used to start a node.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress: required")
	}
	switch c.Storage {
	case StorageMemory:
	case StorageLevelDB:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("DataDir: required for leveldb storage")
		}
	default:
		return fmt.Errorf("Storage: unsupported backend %q", c.Storage)
	}
	switch c.IdempotencyDriver {
	case IdempotencySQLite:
	case IdempotencyPostgres:
		if strings.TrimSpace(c.IdempotencyDSN) == "" {
			return fmt.Errorf("IdempotencyDSN: required for postgres")
		}
	default:
		return fmt.Errorf("IdempotencyDriver: unsupported driver %q", c.IdempotencyDriver)
	}
	seen := make(map[string]struct{}, len(c.Currencies))
	for _, symbol := range c.Currencies {
		normalized, err := currency.Normalize(symbol)
		if err != nil {
			return fmt.Errorf("Currencies: %w", err)
		}
		if _, dup := seen[normalized]; dup {
			return fmt.Errorf("Currencies: duplicate symbol %s", normalized)
		}
		seen[normalized] = struct{}{}
	}
	if _, ok := validLogLevels[strings.ToLower(strings.TrimSpace(c.LogLevel))]; !ok {
		return fmt.Errorf("LogLevel: unsupported level %q", c.LogLevel)
	}
	if len(strings.TrimSpace(c.Auth.HMACSecret)) < 16 {
		return fmt.Errorf("auth.HMACSecret: must be at least 16 characters")
	}
	if c.RateLimit.RequestsPerMinute > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit.Burst: must be positive when throttling is enabled")
	}
	if (c.Telemetry.Metrics || c.Telemetry.Traces) && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry.Endpoint: required when exporters are enabled")
	}
	return nil
}
