package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123"

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "escrowd.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8088", cfg.ListenAddress)
	require.Equal(t, StorageLevelDB, cfg.Storage)
	require.Len(t, cfg.Auth.HMACSecret, 64)
	require.NoError(t, cfg.Validate())

	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Auth.HMACSecret, reloaded.Auth.HMACSecret)
	require.Equal(t, cfg.DataDir, reloaded.DataDir)
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `ListenAddress = "127.0.0.1:9000"
DataDir = "/var/lib/escrow"
Storage = "MEMORY"
AuditDBPath = "audit.sqlite"
IdempotencyDriver = "postgres"
IdempotencyDSN = "postgres://escrow@localhost/escrow"
RolesPolicyFile = "roles.yaml"
Currencies = ["fake", "USDC"]
ServiceMode = true
WorkflowAuthorization = true
Environment = "staging"
LogLevel = "debug"

[auth]
HMACSecret = "`+testSecret+`"
Issuer = "issuer"
Audience = "aud"

[rate_limit]
RequestsPerMinute = 120
Burst = 10

[telemetry]
Endpoint = "otel:4318"
Insecure = true
Metrics = true
Traces = true
Headers = { authorization = "Bearer x" }
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, StorageMemory, cfg.Storage)
	require.Equal(t, IdempotencyPostgres, cfg.IdempotencyDriver)
	require.Equal(t, "postgres://escrow@localhost/escrow", cfg.IdempotencyPath())
	require.Equal(t, filepath.Join("/var/lib/escrow", "audit.sqlite"), cfg.AuditPath())
	require.Equal(t, []string{"fake", "USDC"}, cfg.Currencies)
	require.True(t, cfg.ServiceMode)
	require.True(t, cfg.WorkflowAuthorization)
	require.Equal(t, uint32(120), cfg.RateLimit.RequestsPerMinute)
	require.Equal(t, "Bearer x", cfg.Telemetry.Headers["authorization"])
	require.Equal(t, "escrowd", cfg.Telemetry.ServiceName)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `ListenAddress = ":1"
GenesisFile = "genesis.json"

[auth]
HMACSecret = "`+testSecret+`"
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "GenesisFile")
}

func TestLoadResolvesSecretFromEnv(t *testing.T) {
	t.Setenv("ESCROWD_TEST_SECRET", testSecret)
	path := writeConfig(t, `[auth]
HMACSecretEnv = "ESCROWD_TEST_SECRET"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, testSecret, cfg.Auth.HMACSecret)

	missing := writeConfig(t, `[auth]
HMACSecretEnv = "ESCROWD_TEST_SECRET_MISSING"
`)
	_, err = Load(missing)
	require.ErrorContains(t, err, "ESCROWD_TEST_SECRET_MISSING")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.HMACSecret = testSecret
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"storage":       func(c *Config) { c.Storage = "bolt" },
		"leveldb dir":   func(c *Config) { c.DataDir = "" },
		"driver":        func(c *Config) { c.IdempotencyDriver = "mysql" },
		"postgres dsn":  func(c *Config) { c.IdempotencyDriver = IdempotencyPostgres; c.IdempotencyDSN = "" },
		"currency":      func(c *Config) { c.Currencies = []string{"NOT-VALID"} },
		"duplicate":     func(c *Config) { c.Currencies = []string{"usdc", "USDC"} },
		"log level":     func(c *Config) { c.LogLevel = "verbose" },
		"short secret":  func(c *Config) { c.Auth.HMACSecret = "short" },
		"burst":         func(c *Config) { c.RateLimit.Burst = 0 },
		"otel endpoint": func(c *Config) { c.Telemetry.Traces = true; c.Telemetry.Endpoint = "" },
		"listen":        func(c *Config) { c.ListenAddress = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
