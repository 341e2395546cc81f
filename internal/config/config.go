// Package config loads service configuration from an optional YAML file
// with environment variable overrides. Environment always wins, so a
// container can override a baked-in config file without editing it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/quorum"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

type CertificatesConfig struct {
	Driver    string `yaml:"driver"` // memory | s3
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

type TLSConfig struct {
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	CAFile            string `yaml:"ca_file"`
	RequireClientAuth bool   `yaml:"require_client_auth"`
}

type RateLimitConfig struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// Config holds the full service configuration.
type Config struct {
	Environment string `yaml:"environment"`
	ListenAddr  string `yaml:"listen_addr"`

	Store StoreConfig `yaml:"store"`

	RedisAddr string `yaml:"redis_addr"`

	Quorum        []quorum.Threshold `yaml:"quorum"`
	Auditors      []string           `yaml:"auditors"`
	SpareAuditors int                `yaml:"spare_auditors"`

	RegistryEndpoint string `yaml:"registry_endpoint"`

	Certificates CertificatesConfig `yaml:"certificates"`

	TLS TLSConfig `yaml:"tls"`

	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	AllowedCIDRs []string        `yaml:"allowed_cidrs"`
	AuditLogPath string          `yaml:"audit_log_path"`
}

// Load reads the optional YAML file at path, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Environment, "APP_ENV")
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.Store.Driver, "STORE_DRIVER")
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.SQLitePath, "SQLITE_PATH")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RegistryEndpoint, "REGISTRY_ENDPOINT")
	setString(&c.Certificates.Driver, "CERT_DRIVER")
	setString(&c.Certificates.Bucket, "CERT_S3_BUCKET")
	setString(&c.Certificates.Region, "CERT_S3_REGION")
	setString(&c.Certificates.Endpoint, "CERT_S3_ENDPOINT")
	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")
	setString(&c.TLS.CAFile, "TLS_CA_FILE")
	setString(&c.AuditLogPath, "AUDIT_LOG_PATH")

	if v := os.Getenv("CERT_S3_PATH_STYLE"); v != "" {
		c.Certificates.PathStyle = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TLS_REQUIRE_CLIENT_AUTH"); v != "" {
		c.TLS.RequireClientAuth = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("QUORUM_TABLE"); v != "" {
		if table, err := quorum.Parse(v); err == nil {
			c.Quorum = table.Steps()
		}
	}
	if v := os.Getenv("AUDITOR_REGISTRY"); v != "" {
		c.Auditors = splitList(v)
	}
	if v := os.Getenv("SPARE_AUDITORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SpareAuditors = n
		}
	}
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("ALLOWED_CIDRS"); v != "" {
		c.AllowedCIDRs = splitList(v)
	}
	if v := os.Getenv("RATE_LIMIT_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.Capacity = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_REFILL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RefillRate = f
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "credits.db"
	}
	if c.Certificates.Driver == "" {
		c.Certificates.Driver = "memory"
	}
	if len(c.Quorum) == 0 {
		c.Quorum = quorum.Default().Steps()
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
}

// Validate checks that the configuration is complete and coherent.
func (c *Config) Validate() error {
	var missing []string

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Certificates.Driver {
	case "memory":
	case "s3":
		if c.Certificates.Bucket == "" {
			missing = append(missing, "CERT_S3_BUCKET")
		}
	default:
		return fmt.Errorf("unknown certificate driver %q", c.Certificates.Driver)
	}

	if len(c.Auditors) == 0 {
		missing = append(missing, "AUDITOR_REGISTRY")
	}
	if c.SpareAuditors < 0 {
		return errors.New("spare auditor count must not be negative")
	}

	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}

	if _, err := quorum.NewTable(c.Quorum); err != nil {
		return fmt.Errorf("invalid quorum table: %w", err)
	}
	return nil
}

// QuorumTable returns the validated threshold table.
func (c *Config) QuorumTable() (*quorum.Table, error) {
	return quorum.NewTable(c.Quorum)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
