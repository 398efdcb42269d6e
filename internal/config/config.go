// Package config holds the process-wide configuration singleton for the
// proxy. The forward-proxy CLI contract is exactly "proxy <port>" (see
// cmd/proxy); this package exists for the ambient subsystems (cache sizing,
// worker pool sizing, tracing, metrics) that sit outside that contract.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	instance *Config
	once     sync.Once
)

// Config aggregates every component configuration for centralised management.
type Config struct {
	Cache   CacheConfig   `yaml:"cache" json:"cache"`
	Pool    PoolConfig    `yaml:"pool" json:"pool"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// CacheConfig bounds the LRU object cache.
type CacheConfig struct {
	MaxCacheSize  int `yaml:"maxCacheSize" json:"maxCacheSize" default:"1049000"`
	MaxObjectSize int `yaml:"maxObjectSize" json:"maxObjectSize" default:"102400"`
}

// PoolConfig sizes the hand-off queue and worker pool.
type PoolConfig struct {
	NumWorkers  int `yaml:"numWorkers" json:"numWorkers" default:"4"`
	QueueSize   int `yaml:"queueSize" json:"queueSize" default:"16"`
	MaxLineSize int `yaml:"maxLineSize" json:"maxLineSize" default:"8192"`
	// RequestTimeout is additive: zero means no per-request deadline, which
	// matches the spec's "no cancellation & timeouts" default exactly.
	RequestTimeout time.Duration `yaml:"requestTimeout" json:"requestTimeout" default:"0s"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled" default:"false"`
	ServiceName    string  `yaml:"serviceName" json:"serviceName" default:"httpcacheproxy"`
	ServiceVersion string  `yaml:"serviceVersion" json:"serviceVersion" default:"1.0.0"`
	Environment    string  `yaml:"environment" json:"environment" default:"development"`
	JaegerEndpoint string  `yaml:"jaegerEndpoint" json:"jaegerEndpoint"`
	OTLPEndpoint   string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRatio  float64 `yaml:"samplingRatio" json:"samplingRatio" default:"0.1"`
}

// MetricsConfig controls the ambient Prometheus exposition listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" default:"true"`
	Addr    string `yaml:"addr" json:"addr" default:":9090"`
}

// DefaultConfig returns the spec's mandated constants plus sane ambient
// defaults for observability.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxCacheSize:  1_049_000,
			MaxObjectSize: 102_400,
		},
		Pool: PoolConfig{
			NumWorkers:  4,
			QueueSize:   16,
			MaxLineSize: 8192,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "httpcacheproxy",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			SamplingRatio:  0.1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// GetInstance returns the singleton config, lazily defaulting it on first use.
func GetInstance() *Config {
	once.Do(func() {
		instance = DefaultConfig()
	})
	return instance
}

// LoadConfig loads configuration from a YAML file and installs it as the
// singleton. A missing file is not an error — the defaults are installed
// instead, since the ambient stack must never prevent the forward proxy
// from starting. If the singleton was already initialised (by GetInstance
// or an earlier LoadConfig), the loaded config is discarded and nil is
// returned.
func LoadConfig(path string) error {
	cfg, err := loadFromFile(path)
	if err != nil {
		return err
	}

	once.Do(func() {
		instance = cfg
	})
	return nil
}

// loadFromFile reads and unmarshals a YAML configuration file over the
// defaults, so a partial file only overrides what it mentions.
func loadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}
