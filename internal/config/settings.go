package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full process configuration, for any of the executor,
// worker, or localeval entrypoints — each only reads the sections that
// apply to it.
type Config struct {
	Environment string        `mapstructure:"environment"`
	Listen      ListenConfig  `mapstructure:"listen"`
	Store       StoreConfig   `mapstructure:"store"`
	Cache       CacheConfig   `mapstructure:"cache"`
	Sandbox     SandboxConfig `mapstructure:"sandbox"`
	Worker      WorkerConfig  `mapstructure:"worker"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// ListenConfig holds the executor's worker and client listen addresses.
type ListenConfig struct {
	WorkerAddress string `mapstructure:"worker_address"`
	ClientAddress string `mapstructure:"client_address"`
}

// StoreConfig configures the content-addressed file store.
type StoreConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// CacheConfig configures the SQLite-backed result cache.
type CacheConfig struct {
	Path string `mapstructure:"path"`
}

// SandboxConfig points at the sandbox executable a worker shells out to.
type SandboxConfig struct {
	BinaryPath string `mapstructure:"binary_path"`
	Keep       bool   `mapstructure:"keep"`
}

// WorkerConfig holds worker-process settings.
type WorkerConfig struct {
	ID              string `mapstructure:"id"`
	ExecutorAddress string `mapstructure:"executor_address"`
	BoxRoot         string `mapstructure:"box_root"`
}

// TracingConfig controls OpenTelemetry span export. Disabled by default —
// the executor runs with metrics-only observability until an endpoint is
// configured.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads configuration from YAML files and environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (e.g. GRADER_STORE_MAX_BYTES)
//  2. Environment-specific YAML (e.g. config.dev.yaml)
//  3. Base YAML (config.yaml)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetDefault("environment", "development")
	v.SetDefault("listen.worker_address", ":9001")
	v.SetDefault("listen.client_address", ":9000")
	v.SetDefault("store.dir", "./data/store")
	v.SetDefault("store.max_bytes", 0)
	v.SetDefault("cache.path", "./data/cache.db")
	v.SetDefault("sandbox.binary_path", "tmbox")
	v.SetDefault("worker.box_root", "./data/boxes")
	v.SetDefault("worker.executor_address", "localhost:9001")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "gradedag-executor")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")

	if configPath == "" {
		configPath = filepath.Join("config", "config.yaml")
	}
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	configDir := filepath.Dir(configPath)
	configExt := filepath.Ext(configPath)
	configBase := strings.TrimSuffix(filepath.Base(configPath), configExt)

	env := os.Getenv("GRADER_ENV")
	if env == "" {
		env = v.GetString("environment")
	}
	envConfigPath := filepath.Join(configDir, fmt.Sprintf("%s.%s%s", configBase, env, configExt))
	if _, err := os.Stat(envConfigPath); err == nil {
		v.SetConfigFile(envConfigPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: merge %s: %w", envConfigPath, err)
		}
	}

	v.SetEnvPrefix("GRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("listen.worker_address", "GRADER_LISTEN_WORKER_ADDRESS")
	v.BindEnv("listen.client_address", "GRADER_LISTEN_CLIENT_ADDRESS")
	v.BindEnv("store.max_bytes", "GRADER_STORE_MAX_BYTES")
	v.BindEnv("worker.executor_address", "GRADER_WORKER_EXECUTOR_ADDRESS")
	v.BindEnv("sandbox.binary_path", "GRADER_SANDBOX_BINARY_PATH")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	if cfg.Sandbox.BinaryPath == "" {
		return fmt.Errorf("sandbox.binary_path is required")
	}
	return nil
}
