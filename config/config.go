package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	StorageMemory  = "memory"
	StorageLevelDB = "leveldb"

	IdempotencySQLite   = "sqlite"
	IdempotencyPostgres = "postgres"
)

// Config is the escrowd node configuration.
type Config struct {
	ListenAddress         string    `toml:"ListenAddress"`
	DataDir               string    `toml:"DataDir"`
	Storage               string    `toml:"Storage"`
	AuditDBPath           string    `toml:"AuditDBPath"`
	IdempotencyDriver     string    `toml:"IdempotencyDriver"`
	IdempotencyDSN        string    `toml:"IdempotencyDSN"`
	RolesPolicyFile       string    `toml:"RolesPolicyFile"`
	Currencies            []string  `toml:"Currencies"`
	ServiceMode           bool      `toml:"ServiceMode"`
	WorkflowAuthorization bool      `toml:"WorkflowAuthorization"`
	Environment           string    `toml:"Environment"`
	LogFile               string    `toml:"LogFile"`
	LogLevel              string    `toml:"LogLevel"`
	Auth                  Auth      `toml:"auth"`
	RateLimit             RateLimit `toml:"rate_limit"`
	Telemetry             Telemetry `toml:"telemetry"`
}

// Load loads the configuration from the given path. A default configuration is
// written when the file does not exist yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		ListenAddress:     ":8088",
		DataDir:           "./escrow-data",
		Storage:           StorageLevelDB,
		AuditDBPath:       "audit.db",
		IdempotencyDriver: IdempotencySQLite,
		IdempotencyDSN:    "idempotency.db",
		Currencies:        []string{},
		Environment:       "local",
		LogLevel:          "info",
		Auth: Auth{
			Issuer:   "escrowd",
			Audience: "escrow-api",
		},
		RateLimit: RateLimit{
			RequestsPerMinute: 600,
			Burst:             60,
		},
		Telemetry: Telemetry{
			ServiceName: "escrowd",
			Endpoint:    "localhost:4318",
		},
	}
}

func (c *Config) applyDefaults(baseDir string) {
	def := Default()
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = def.ListenAddress
	}
	if strings.TrimSpace(c.Storage) == "" {
		c.Storage = def.Storage
	}
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if c.DataDir != "" && !filepath.IsAbs(c.DataDir) && baseDir != "" && baseDir != "." {
		c.DataDir = filepath.Join(baseDir, c.DataDir)
	}
	if strings.TrimSpace(c.IdempotencyDriver) == "" {
		c.IdempotencyDriver = def.IdempotencyDriver
	}
	c.IdempotencyDriver = strings.ToLower(strings.TrimSpace(c.IdempotencyDriver))
	if c.IdempotencyDriver == IdempotencySQLite && strings.TrimSpace(c.IdempotencyDSN) == "" {
		c.IdempotencyDSN = def.IdempotencyDSN
	}
	if c.Currencies == nil {
		c.Currencies = []string{}
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = def.Environment
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = def.LogLevel
	}
	if c.RateLimit.RequestsPerMinute > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		c.Telemetry.Endpoint = def.Telemetry.Endpoint
	}
}

// AuditPath resolves the audit database location relative to DataDir.
func (c *Config) AuditPath() string {
	return c.resolveDataPath(c.AuditDBPath)
}

// IdempotencyPath resolves the SQLite idempotency database location. Postgres
// DSNs are returned untouched.
func (c *Config) IdempotencyPath() string {
	if c.IdempotencyDriver == IdempotencyPostgres {
		return c.IdempotencyDSN
	}
	return c.resolveDataPath(c.IdempotencyDSN)
}

func (c *Config) resolveDataPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func (c *Config) resolveSecrets() error {
	envName := strings.TrimSpace(c.Auth.HMACSecretEnv)
	if envName == "" || strings.TrimSpace(c.Auth.HMACSecret) != "" {
		return nil
	}
	value, ok := os.LookupEnv(envName)
	if !ok || strings.TrimSpace(value) == "" {
		return fmt.Errorf("auth: environment variable %s is not set", envName)
	}
	c.Auth.HMACSecret = strings.TrimSpace(value)
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	cfg := Default()
	cfg.Auth.HMACSecret = hex.EncodeToString(secret)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
