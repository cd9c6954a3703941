// Config loader: YAML files merged in order, then INTENTEX_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "INTENTEX"

// Load reads configuration from the given YAML files (missing files are skipped)
// and environment variables, applies defaults and validates the result.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()
	setupViper(v)
	setDefaults(v)

	if err := loadConfigFiles(v, configPaths...); err != nil {
		return nil, fmt.Errorf("failed to load config files: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Settlement.Venues) == 0 {
		cfg.Settlement.Venues = DefaultVenues()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures viper settings
func setupViper(v *viper.Viper) {
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// loadConfigFiles merges every existing file; later files override earlier ones.
func loadConfigFiles(v *viper.Viper, configPaths ...string) error {
	if len(configPaths) == 0 {
		configPaths = []string{
			"./config.yaml",
			"./configs/config.yaml",
			"/etc/intentex/config.yaml",
		}
	}

	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	return nil
}

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.scope_header", "X-Scope")
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:intentex.db?_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "intentex")

	v.SetDefault("simulator.workers", 8)
	v.SetDefault("simulator.queue_size", 1024)
	v.SetDefault("simulator.stage_delay", 500*time.Millisecond)
	v.SetDefault("simulator.write_retries", 3)
	v.SetDefault("simulator.retry_backoff", 100*time.Millisecond)
	v.SetDefault("simulator.base_price", 1.0)
	v.SetDefault("simulator.price_jitter_pct", 0.5)
	v.SetDefault("simulator.allow_negative_capture", false)

	v.SetDefault("stream.cadence", 2*time.Second)
	v.SetDefault("stream.edge_floor_bps", 0.0)
	v.SetDefault("stream.edge_step_bps", 0.25)
	v.SetDefault("stream.fill_ratio", 0.3)
	v.SetDefault("stream.buffer", 64)

	v.SetDefault("settlement.claim_ttl", 24*time.Hour)
	v.SetDefault("settlement.deferred_settle_after", 30*time.Second)
	v.SetDefault("settlement.expiry_sweep_interval", time.Minute)

	v.SetDefault("risk.enforce_actions", false)
	v.SetDefault("risk.rules_file", "")
	v.SetDefault("risk.initial_equity_bps", 100.0)

	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.metrics", false)
	v.SetDefault("telemetry.metric_interval", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// DefaultVenues is the fee table used when none is configured.
func DefaultVenues() map[string]VenueFee {
	return map[string]VenueFee{
		"eth":     {NetworkFee: 2.50, ServiceFeeBps: 10, BaseTimeSecond: 180},
		"arb":     {NetworkFee: 0.10, ServiceFeeBps: 8, BaseTimeSecond: 15},
		"base":    {NetworkFee: 0.05, ServiceFeeBps: 8, BaseTimeSecond: 12},
		"polygon": {NetworkFee: 0.02, ServiceFeeBps: 12, BaseTimeSecond: 30},
		"sol":     {NetworkFee: 0.01, ServiceFeeBps: 15, BaseTimeSecond: 5},
	}
}
