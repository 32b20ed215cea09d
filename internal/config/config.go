package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Network   NetworkConfig   `yaml:"network" mapstructure:"network"`
	Run       RunConfig       `yaml:"run" mapstructure:"run"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Artifacts ArtifactsConfig `yaml:"artifacts" mapstructure:"artifacts"`
	Audit     AuditConfig     `yaml:"audit" mapstructure:"audit"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Fetchers  FetchersConfig  `yaml:"fetchers" mapstructure:"fetchers"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// NetworkConfig holds the process-wide network switch. It is read once at
// process start; BACKFILL_NETWORK_ENABLED overrides it.
type NetworkConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// RunConfig bounds a single run.
type RunConfig struct {
	Concurrency     int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxFetchCalls   int `yaml:"max_fetch_calls" mapstructure:"max_fetch_calls"`
	MaxDurationSecs int `yaml:"max_duration_secs" mapstructure:"max_duration_secs"`
}

// MaxDuration returns the run wall-clock budget, or zero when unbounded.
func (r RunConfig) MaxDuration() time.Duration {
	return time.Duration(r.MaxDurationSecs) * time.Second
}

// CacheConfig configures the fetch cache.
type CacheConfig struct {
	TTLHours int  `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	Durable  bool `yaml:"durable" mapstructure:"durable"`
}

// TTL returns the default cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// ArtifactsConfig configures where run artifacts are written.
type ArtifactsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// AuditConfig configures the audit log sinks.
type AuditConfig struct {
	Path         string   `yaml:"path" mapstructure:"path"`
	RedactFields []string `yaml:"redact_fields" mapstructure:"redact_fields"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	HalfOpenProbes   int `yaml:"half_open_probes" mapstructure:"half_open_probes"`
}

// FetchersConfig configures the shipped leaf fetchers.
type FetchersConfig struct {
	AuthorityTable TableSource  `yaml:"authority_table" mapstructure:"authority_table"`
	HTTP           []HTTPSource `yaml:"http" mapstructure:"http"`
}

// TableSource declares a local reference table, usually an authority
// extract. It is registered only when Path is set.
type TableSource struct {
	Name       string  `yaml:"name" mapstructure:"name"`
	Path       string  `yaml:"path" mapstructure:"path"`
	KeyColumn  string  `yaml:"key_column" mapstructure:"key_column"`
	KeyField   string  `yaml:"key_field" mapstructure:"key_field"`
	Confidence float64 `yaml:"confidence" mapstructure:"confidence"`
	Priority   int     `yaml:"priority" mapstructure:"priority"`
}

// HTTPSource declares one http_json fetcher.
type HTTPSource struct {
	Name        string   `yaml:"name" mapstructure:"name"`
	Provider    string   `yaml:"provider" mapstructure:"provider"`
	URL         string   `yaml:"url" mapstructure:"url"`
	Crawl       bool     `yaml:"crawl" mapstructure:"crawl"`
	Priority    int      `yaml:"priority" mapstructure:"priority"`
	Fields      []string `yaml:"fields" mapstructure:"fields"`
	Inputs      []string `yaml:"inputs" mapstructure:"inputs"`
	APIKey      string   `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the explain API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BACKFILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "backfill.db")
	v.SetDefault("network.enabled", false)
	v.SetDefault("run.concurrency", 8)
	v.SetDefault("run.max_fetch_calls", 0)
	v.SetDefault("run.max_duration_secs", 0)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.durable", true)
	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("audit.path", "audit.jsonl")
	v.SetDefault("fetchers.authority_table.name", "authority_table")
	v.SetDefault("fetchers.authority_table.key_column", "id")
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("circuit.half_open_probes", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. All problems are
// reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Run.Concurrency < 1 || c.Run.Concurrency > 64 {
		errs = append(errs, "run.concurrency must be between 1 and 64")
	}
	if c.Run.MaxFetchCalls < 0 {
		errs = append(errs, "run.max_fetch_calls must be >= 0")
	}
	if c.Run.MaxDurationSecs < 0 {
		errs = append(errs, "run.max_duration_secs must be >= 0")
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "run":
		if c.Artifacts.Dir == "" {
			errs = append(errs, "artifacts.dir is required")
		}
		if c.Audit.Path == "" {
			errs = append(errs, "audit.path is required")
		}
		for i, src := range c.Fetchers.HTTP {
			if src.Name == "" || src.URL == "" {
				errs = append(errs, fmt.Sprintf("fetchers.http[%d] needs name and url", i))
			}
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "query":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
