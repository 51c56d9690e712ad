// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix namespaces environment overrides, e.g. SCRAPER_SERVER_PORT.
const EnvPrefix = "SCRAPER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	Browser BrowserConfig `mapstructure:"browser"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Service ServiceConfig `mapstructure:"service"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	ShutdownTimeoutMs int    `mapstructure:"shutdown_timeout_ms"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScrapeConfig governs admission and per-fetch budgets.
type ScrapeConfig struct {
	MaxConcurrent    int `mapstructure:"max_concurrent"`
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
	// MaxBatchSize rejects larger /batch requests. Zero means unlimited.
	MaxBatchSize int `mapstructure:"max_batch_size"`
}

// BrowserConfig configures the Chromium launch and page readiness.
type BrowserConfig struct {
	ExecPath         string  `mapstructure:"exec_path"`
	UserAgent        string  `mapstructure:"user_agent"`
	LaunchTimeoutMs  int     `mapstructure:"launch_timeout_ms"`
	NetworkIdleMs    int     `mapstructure:"network_idle_ms"`
	NetworkIdleMaxMs int     `mapstructure:"network_idle_max_ms"`
	DomainQPS        float64 `mapstructure:"domain_qps"`
	DomainBurst      int     `mapstructure:"domain_burst"`
}

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is a zap level name; empty means debug in development and info otherwise.
	Level string `mapstructure:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ServiceConfig is reported by the health endpoint and on spans.
type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.shutdown_timeout_ms", 10000)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("scrape.max_concurrent", 3)
	v.SetDefault("scrape.default_timeout_ms", 30000)
	v.SetDefault("scrape.max_batch_size", 0)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.launch_timeout_ms", 20000)
	v.SetDefault("browser.network_idle_ms", 500)
	v.SetDefault("browser.network_idle_max_ms", 5000)
	v.SetDefault("browser.domain_qps", 0)
	v.SetDefault("browser.domain_burst", 1)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("service.name", "crawl4ai")
	v.SetDefault("service.version", "1.0.0")
}

// bindLegacyEnv keeps the variables older deployments set. The prefixed name
// is listed first so it wins when both are present.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"scrape.max_concurrent": {EnvPrefix + "_SCRAPE_MAX_CONCURRENT", "CRAWL4AI_MAX_CONCURRENT"},
		"server.port":           {EnvPrefix + "_SERVER_PORT", "PORT"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.ShutdownTimeoutMs <= 0 {
		return fmt.Errorf("server.shutdown_timeout_ms must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scrape.MaxConcurrent < 1 {
		return fmt.Errorf("scrape.max_concurrent must be >= 1")
	}
	if c.Scrape.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("scrape.default_timeout_ms must be > 0")
	}
	if c.Scrape.MaxBatchSize < 0 {
		return fmt.Errorf("scrape.max_batch_size must be >= 0")
	}
	if c.Browser.LaunchTimeoutMs <= 0 {
		return fmt.Errorf("browser.launch_timeout_ms must be > 0")
	}
	if c.Browser.NetworkIdleMs < 0 || c.Browser.NetworkIdleMaxMs < 0 {
		return fmt.Errorf("browser network idle windows must be >= 0")
	}
	if c.Browser.DomainQPS < 0 {
		return fmt.Errorf("browser.domain_qps must be >= 0")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be one of none, stdout")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Service.Name == "" {
		return fmt.Errorf("service.name must be set")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// DefaultTimeout is the per-fetch budget for requests that omit one.
func (c Config) DefaultTimeout() time.Duration {
	return ms(c.Scrape.DefaultTimeoutMs)
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return ms(c.Server.ShutdownTimeoutMs)
}

// LaunchTimeout bounds browser start-up.
func (b BrowserConfig) LaunchTimeout() time.Duration {
	return ms(b.LaunchTimeoutMs)
}

// NetworkIdle is the quiet window that marks a page as loaded.
func (b BrowserConfig) NetworkIdle() time.Duration {
	return ms(b.NetworkIdleMs)
}

// NetworkIdleMax caps the wait for the quiet window.
func (b BrowserConfig) NetworkIdleMax() time.Duration {
	return ms(b.NetworkIdleMaxMs)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
