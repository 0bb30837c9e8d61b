package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crucible/storage"
)

// Config captures the runtime settings for the crucible daemon.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	Environment    string          `yaml:"environment"`
	ProtocolConfig string          `yaml:"protocol_config"`
	Storage        StorageConfig   `yaml:"storage"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
	Log            LogConfig       `yaml:"log"`
	Oracle         OracleConfig    `yaml:"oracle"`
	Indexer        IndexerConfig   `yaml:"indexer"`
	Genesis        []Balance       `yaml:"genesis"`
	EventHistory   int             `yaml:"event_history"`
}

// StorageConfig selects the key-value backend holding protocol state.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuthConfig enables bearer-token authentication. The token subject is the
// account the request acts for.
type AuthConfig struct {
	Enabled          bool     `yaml:"enabled"`
	HMACSecret       string   `yaml:"hmac_secret"`
	Issuer           string   `yaml:"issuer"`
	Audience         string   `yaml:"audience"`
	ClockSkewSeconds int      `yaml:"clock_skew_seconds"`
	AdminSubjects    []string `yaml:"admin_subjects"`
}

// ClockSkew returns the tolerated token clock skew.
func (cfg AuthConfig) ClockSkew() time.Duration {
	return time.Duration(cfg.ClockSkewSeconds) * time.Second
}

// RateLimitConfig bounds mutating requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LogConfig adds an optional rotating file sink.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// OracleConfig selects where prices come from. The static source serves the
// configured prices stamped with the current time; the pyth source reads raw
// price accounts from a directory.
type OracleConfig struct {
	Source string        `yaml:"source"`
	Dir    string        `yaml:"dir"`
	Prices []StaticPrice `yaml:"prices"`
}

// StaticPrice is a USD price scaled by 1e6.
type StaticPrice struct {
	Feed  string `yaml:"feed"`
	Price uint64 `yaml:"price"`
}

// IndexerConfig persists committed events to SQL. An empty driver disables it.
type IndexerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Balance is a genesis ledger credit.
type Balance struct {
	Asset   string `yaml:"asset"`
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
}

const (
	OracleStatic = "static"
	OraclePyth   = "pyth"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: ":8480"}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8480"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.Environment == "" {
		cfg.Environment = "devnet"
	}
	cfg.ProtocolConfig = strings.TrimSpace(cfg.ProtocolConfig)
	if cfg.ProtocolConfig == "" {
		cfg.ProtocolConfig = "crucible.toml"
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = storage.BackendLevelDB
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	if cfg.Storage.Path == "" && cfg.Storage.Backend != storage.BackendMemory {
		cfg.Storage.Path = "./crucible-data"
	}
	cfg.Auth.normalize()
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
	cfg.Log.File = strings.TrimSpace(cfg.Log.File)
	cfg.Oracle.Source = strings.ToLower(strings.TrimSpace(cfg.Oracle.Source))
	if cfg.Oracle.Source == "" {
		cfg.Oracle.Source = OracleStatic
	}
	cfg.Oracle.Dir = strings.TrimSpace(cfg.Oracle.Dir)
	for i := range cfg.Oracle.Prices {
		cfg.Oracle.Prices[i].Feed = strings.TrimSpace(cfg.Oracle.Prices[i].Feed)
	}
	cfg.Indexer.Driver = strings.ToLower(strings.TrimSpace(cfg.Indexer.Driver))
	cfg.Indexer.DSN = strings.TrimSpace(cfg.Indexer.DSN)
	for i := range cfg.Genesis {
		cfg.Genesis[i].Asset = strings.ToUpper(strings.TrimSpace(cfg.Genesis[i].Asset))
		cfg.Genesis[i].Account = strings.TrimSpace(cfg.Genesis[i].Account)
		cfg.Genesis[i].Amount = strings.TrimSpace(cfg.Genesis[i].Amount)
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = 1024
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	switch cfg.Storage.Backend {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio %.2f outside [0,1]", cfg.Telemetry.SampleRatio)
	}
	if (cfg.Telemetry.Traces || cfg.Telemetry.Metrics) && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry: endpoint required when traces or metrics are enabled")
	}
	switch cfg.Oracle.Source {
	case OracleStatic:
		for _, p := range cfg.Oracle.Prices {
			if p.Feed == "" || p.Price == 0 {
				return fmt.Errorf("oracle: static prices need a feed and a positive price")
			}
		}
	case OraclePyth:
		if cfg.Oracle.Dir == "" {
			return fmt.Errorf("oracle: dir required for the pyth source")
		}
	default:
		return fmt.Errorf("oracle: unknown source %q", cfg.Oracle.Source)
	}
	switch cfg.Indexer.Driver {
	case "":
	case DriverSQLite, DriverPostgres:
		if cfg.Indexer.DSN == "" {
			return fmt.Errorf("indexer: dsn required for driver %s", cfg.Indexer.Driver)
		}
	default:
		return fmt.Errorf("indexer: unknown driver %q", cfg.Indexer.Driver)
	}
	for i, b := range cfg.Genesis {
		if b.Asset == "" || b.Account == "" || b.Amount == "" {
			return fmt.Errorf("genesis[%d]: asset, account and amount required", i)
		}
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.ClockSkewSeconds <= 0 {
		cfg.ClockSkewSeconds = 120
	}
	subjects := make([]string, 0, len(cfg.AdminSubjects))
	for _, subject := range cfg.AdminSubjects {
		if trimmed := strings.TrimSpace(subject); trimmed != "" {
			subjects = append(subjects, trimmed)
		}
	}
	cfg.AdminSubjects = subjects
}

func (cfg AuthConfig) validate() error {
	if !cfg.Enabled {
		return nil
	}
	if len(cfg.HMACSecret) < 32 {
		return fmt.Errorf("hmac_secret must be at least 32 bytes when auth is enabled")
	}
	return nil
}
