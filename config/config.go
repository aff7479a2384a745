package config

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/aprovafacil/cachemon/logging"
	"github.com/aprovafacil/cachemon/metrics"
	"github.com/aprovafacil/cachemon/monitor"
	"github.com/aprovafacil/cachemon/monitoring"
	"github.com/aprovafacil/cachemon/sampling"
	"github.com/aprovafacil/cachemon/utils/env"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the full application configuration
type Config struct {
	// Operation collection and sampling.
	Monitoring metrics.Config `yaml:"monitoring" json:"monitoring"`

	// Log level escalation after slow operations.
	Logging logging.Config `yaml:"logging" json:"logging"`

	// Slow and large operation thresholds of the interception layer.
	Monitor monitor.Config `yaml:"monitor" json:"monitor"`

	Graph GraphConfig `yaml:"graph" json:"graph"`

	// Process logger.
	Log logging.LoggerConfig `yaml:"log" json:"log"`

	Server      ServerConfig                 `yaml:"server" json:"server"`
	Stores      StoresConfig                 `yaml:"stores" json:"stores"`
	Tracing     monitoring.TracingConfig     `yaml:"tracing" json:"tracing"`
	OTelMetrics monitoring.OTelMetricsConfig `yaml:"otel_metrics" json:"otel_metrics"`
	Prometheus  monitoring.PrometheusConfig  `yaml:"prometheus" json:"prometheus"`
}

type GraphConfig struct {
	// Relationship hops followed by Invalidate. Zero follows every relationship.
	InvalidationDepth int `yaml:"invalidation_depth" json:"invalidation_depth"`

	// Limits applied to graph exports that do not give their own.
	DefaultMaxDepth int `yaml:"default_max_depth" json:"default_max_depth"`
	DefaultMaxNodes int `yaml:"default_max_nodes" json:"default_max_nodes"`
}

type ServerConfig struct {
	// Port to listen for incoming requests.
	Port int `yaml:"port" json:"port"`

	// Origins allowed by CORS. Empty allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type StoresConfig struct {
	// Maximum memory of the in-memory and session stores.
	MemoryMaxBytes  int64 `yaml:"memory_max_bytes" json:"memory_max_bytes"`
	SessionMaxBytes int64 `yaml:"session_max_bytes" json:"session_max_bytes"`

	// Directory of the local persistent store. Empty disables the local backend.
	LocalPath string `yaml:"local_path" json:"local_path,omitempty"`

	// Valkey (open-source version of Redis) endpoint of the remote backend.
	// E.g., localhost:6379. Empty disables the remote backend.
	ValkeyEndpoint string `yaml:"valkey_endpoint" json:"valkey_endpoint,omitempty"`

	// TTL of entries stored without one. Zero keeps entries until evicted.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Monitoring: metrics.DefaultConfig(),
		Logging:    logging.DefaultConfig(),
		Monitor:    monitor.DefaultConfig(),
		Graph: GraphConfig{
			InvalidationDepth: 1,
			DefaultMaxDepth:   3,
			DefaultMaxNodes:   100,
		},
		Log: logging.LoggerConfig{Level: "info"},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Stores: StoresConfig{
			MemoryMaxBytes:  256 * 1024 * 1024,
			SessionMaxBytes: 64 * 1024 * 1024,
		},
		Tracing:    monitoring.DefaultTracingConfig(),
		Prometheus: monitoring.DefaultPrometheusConfig(),
	}
}

// Load builds the configuration from the defaults, the YAML document at path and the
// environment, in that order of precedence. The document may be a local file or an
// http(s) URL. An empty path skips the document.
func Load(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Default()

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	if configSource != "" {
		configData, err := func(configSource string, configToken string) ([]byte, error) {
			// Handle URL or local path
			if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
				logger.Infow("Fetching remote config", "url", configSource)
				return fetchRemoteConfig(configSource, configToken)
			}
			logger.Infow("Loading local config", "path", configSource)
			return os.ReadFile(configSource)
		}(configSource, configToken)
		if err != nil {
			return nil, fmt.Errorf("failed to get config data: %w", err)
		}

		// Overrides config with the YAML data.
		if err := yaml.Unmarshal(configData, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyEnv(config *Config) {
	if env.HasEnv("CACHEMON_ENABLED") {
		enabled := env.OptionalBoolVariable("CACHEMON_ENABLED", true)
		config.Monitoring.Enabled = &enabled
	}
	config.Monitoring.HistorySize = env.OptionalIntVariable("CACHEMON_HISTORY_SIZE", config.Monitoring.HistorySize)
	config.Monitoring.MaxAge = env.OptionalDurationVariable("CACHEMON_MAX_AGE", config.Monitoring.MaxAge)
	config.Monitoring.Sampling.Strategy = sampling.StrategyKind(
		env.OptionalStringVariable("CACHEMON_SAMPLING_STRATEGY", string(config.Monitoring.Sampling.Strategy)))
	if env.HasEnv("CACHEMON_SAMPLING_RATE") {
		rate := env.OptionalFloatVariable("CACHEMON_SAMPLING_RATE", 1)
		config.Monitoring.Sampling.Rate = &rate
	}
	if env.HasEnv("CACHEMON_ADAPTIVE_LOGGING") {
		enabled := env.OptionalBoolVariable("CACHEMON_ADAPTIVE_LOGGING", true)
		config.Logging.Enabled = &enabled
	}
	config.Log.Level = env.OptionalStringVariable("CACHEMON_LOG_LEVEL", config.Log.Level)
	config.Stores.LocalPath = env.OptionalStringVariable("CACHEMON_LOCAL_PATH", config.Stores.LocalPath)
	config.Stores.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.Stores.ValkeyEndpoint)
	config.Server.Port = env.OptionalIntVariable("PORT", config.Server.Port)
	config.Server.AllowedOrigins = env.OptionalListVariable("CACHEMON_ALLOWED_ORIGINS", config.Server.AllowedOrigins)
	if env.HasEnv("CACHEMON_OTLP_ENDPOINT") {
		enabled := true
		config.Tracing.Enabled = &enabled
		config.Tracing.Endpoint = env.OptionalStringVariable("CACHEMON_OTLP_ENDPOINT", "")
	}
	if env.HasEnv("CACHEMON_OTLP_METRICS_ENDPOINT") {
		enabled := true
		config.OTelMetrics.Enabled = &enabled
		config.OTelMetrics.Endpoint = env.OptionalStringVariable("CACHEMON_OTLP_METRICS_ENDPOINT", "")
	}
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// Validate checks every section. The first problem found is returned.
func (c Config) Validate() error {
	if err := c.Monitoring.Validate(); err != nil {
		return fmt.Errorf("%w: monitoring: %w", ErrInvalidConfig, err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: logging: %w", ErrInvalidConfig, err)
	}
	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("%w: monitor: %w", ErrInvalidConfig, err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("%w: tracing: %w", ErrInvalidConfig, err)
	}
	if err := c.OTelMetrics.Validate(); err != nil {
		return fmt.Errorf("%w: otel_metrics: %w", ErrInvalidConfig, err)
	}
	if c.Log.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
			return fmt.Errorf("%w: log: invalid level %q", ErrInvalidConfig, c.Log.Level)
		}
	}
	if c.Graph.DefaultMaxDepth < 0 || c.Graph.DefaultMaxNodes < 0 {
		return fmt.Errorf("%w: graph: default limits must not be negative", ErrInvalidConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server: port must be between 1 and 65535, got %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Stores.MemoryMaxBytes <= 0 || c.Stores.SessionMaxBytes <= 0 {
		return fmt.Errorf("%w: stores: memory limits must be positive", ErrInvalidConfig)
	}
	if c.Stores.DefaultTTL < 0 {
		return fmt.Errorf("%w: stores: default_ttl must not be negative", ErrInvalidConfig)
	}
	return nil
}
