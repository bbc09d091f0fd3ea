// Package config loads runtime settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
	Ingest        IngestConfig        `yaml:"ingest"`
}

type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	RateLimitPerSecond int      `yaml:"rate_limit_per_second"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	// URL, when set, is used verbatim instead of the discrete fields.
	URL string `yaml:"url"`
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.Name,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type ObservabilityConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

type ProfilingConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Rule sources for IngestConfig.RulesSource.
const (
	RulesSourceEmbedded = "embedded"
	RulesSourceFile     = "file"
	RulesSourceDatabase = "database"
)

type IngestConfig struct {
	// Workers is the size of the categorization pool. Zero means GOMAXPROCS.
	Workers         int           `yaml:"workers"`
	LoadConcurrency int           `yaml:"load_concurrency"`
	MaxRetries      uint64        `yaml:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RulesSource     string        `yaml:"rules_source"`
	RulesFile       string        `yaml:"rules_file"`
	RuleCacheTTL    time.Duration `yaml:"rule_cache_ttl"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
			AllowedOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			Name:    "spendsense",
			SSLMode: "disable",
		},
		Observability: ObservabilityConfig{MetricsEnabled: true},
		Profiling:     ProfilingConfig{Port: 6060},
		Ingest: IngestConfig{
			LoadConcurrency: 8,
			MaxRetries:      3,
			RetryBaseDelay:  100 * time.Millisecond,
			RulesSource:     RulesSourceDatabase,
			RuleCacheTTL:    time.Minute,
		},
	}
}

// Load reads SPENDSENSE_CONFIG (a YAML file) when set, then applies
// environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("SPENDSENSE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	setString(&c.Server.Host, "SERVER_HOST")
	errs = append(errs,
		setInt(&c.Server.Port, "SERVER_PORT"),
		setInt(&c.Server.RateLimitPerSecond, "RATE_LIMIT_PER_SECOND"),
		setInt(&c.Server.RateLimitBurst, "RATE_LIMIT_BURST"),
	)

	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")
	errs = append(errs, setInt(&c.Database.Port, "DB_PORT"))

	setString(&c.Auth.JWTSecret, "JWT_SECRET")

	errs = append(errs,
		setBool(&c.Observability.MetricsEnabled, "METRICS_ENABLED"),
		setBool(&c.Profiling.Enabled, "PPROF_ENABLED"),
		setInt(&c.Profiling.Port, "PPROF_PORT"),
	)

	setString(&c.Ingest.RulesSource, "INGEST_RULES_SOURCE")
	setString(&c.Ingest.RulesFile, "INGEST_RULES_FILE")
	errs = append(errs,
		setInt(&c.Ingest.Workers, "INGEST_WORKERS"),
		setInt(&c.Ingest.LoadConcurrency, "INGEST_LOAD_CONCURRENCY"),
		setUint(&c.Ingest.MaxRetries, "INGEST_MAX_RETRIES"),
		setDuration(&c.Ingest.RetryBaseDelay, "INGEST_RETRY_BASE_DELAY"),
		setDuration(&c.Ingest.RuleCacheTTL, "INGEST_RULE_CACHE_TTL"),
	)

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Ingest.RulesSource {
	case RulesSourceEmbedded, RulesSourceDatabase:
	case RulesSourceFile:
		if c.Ingest.RulesFile == "" {
			return fmt.Errorf("ingest.rules_file is required when rules_source is %q", RulesSourceFile)
		}
	default:
		return fmt.Errorf("unknown ingest.rules_source %q", c.Ingest.RulesSource)
	}
	if c.Ingest.LoadConcurrency < 1 {
		return fmt.Errorf("ingest.load_concurrency must be positive, got %d", c.Ingest.LoadConcurrency)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive, got %d", c.Server.Port)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setUint(dst *uint64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
