package config

import (
	"fmt"
	"time"
)

// ServerConfig represents HTTP and websocket server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host" json:"host"`
	Port            int           `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
	// ScopeHeader is read when JWTSecret is empty.
	ScopeHeader string `mapstructure:"scope_header" yaml:"scope_header" json:"scope_header"`
	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret" json:"-"`
}

// DatabaseConfig selects the gorm driver and pool sizes
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver" json:"driver"` // postgres | sqlite
	DSN             string        `mapstructure:"dsn" yaml:"dsn" json:"-"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address  string `mapstructure:"address" yaml:"address" json:"address"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Brokers     []string `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix" yaml:"topic_prefix" json:"topic_prefix"`
}

// SimulatorConfig tunes the execution simulator
type SimulatorConfig struct {
	Workers       int           `mapstructure:"workers" yaml:"workers" json:"workers"`
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size"`
	StageDelay    time.Duration `mapstructure:"stage_delay" yaml:"stage_delay" json:"stage_delay"`
	WriteRetries  int           `mapstructure:"write_retries" yaml:"write_retries" json:"write_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff" json:"retry_backoff"`
	BasePrice     float64       `mapstructure:"base_price" yaml:"base_price" json:"base_price"`
	PriceJitter   float64       `mapstructure:"price_jitter_pct" yaml:"price_jitter_pct" json:"price_jitter_pct"`
	AllowNegative bool          `mapstructure:"allow_negative_capture" yaml:"allow_negative_capture" json:"allow_negative_capture"`
}

// StreamConfig tunes the quote/fill generator
type StreamConfig struct {
	Cadence      time.Duration `mapstructure:"cadence" yaml:"cadence" json:"cadence"`
	EdgeFloorBps float64       `mapstructure:"edge_floor_bps" yaml:"edge_floor_bps" json:"edge_floor_bps"`
	EdgeStepBps  float64       `mapstructure:"edge_step_bps" yaml:"edge_step_bps" json:"edge_step_bps"`
	FillRatio    float64       `mapstructure:"fill_ratio" yaml:"fill_ratio" json:"fill_ratio"`
	Buffer       int           `mapstructure:"buffer" yaml:"buffer" json:"buffer"`
}

// VenueFee is the fee schedule of a single chain
type VenueFee struct {
	NetworkFee     float64 `mapstructure:"network_fee" yaml:"network_fee" json:"network_fee"`
	ServiceFeeBps  float64 `mapstructure:"service_fee_bps" yaml:"service_fee_bps" json:"service_fee_bps"`
	BaseTimeSecond int     `mapstructure:"base_time_sec" yaml:"base_time_sec" json:"base_time_sec"`
}

type SettlementConfig struct {
	ClaimTTL            time.Duration       `mapstructure:"claim_ttl" yaml:"claim_ttl" json:"claim_ttl"`
	DeferredSettleAfter time.Duration       `mapstructure:"deferred_settle_after" yaml:"deferred_settle_after" json:"deferred_settle_after"`
	ExpirySweep         time.Duration       `mapstructure:"expiry_sweep_interval" yaml:"expiry_sweep_interval" json:"expiry_sweep_interval"`
	Venues              map[string]VenueFee `mapstructure:"venues" yaml:"venues" json:"venues"`
}

type RiskConfig struct {
	EnforceActions bool    `mapstructure:"enforce_actions" yaml:"enforce_actions" json:"enforce_actions"`
	RulesFile      string  `mapstructure:"rules_file" yaml:"rules_file" json:"rules_file"`
	InitialEquity  float64 `mapstructure:"initial_equity_bps" yaml:"initial_equity_bps" json:"initial_equity_bps"`
}

// TelemetryConfig enables the OpenTelemetry stdout exporters
type TelemetryConfig struct {
	Tracing        bool          `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	Metrics        bool          `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	MetricInterval time.Duration `mapstructure:"metric_interval" yaml:"metric_interval" json:"metric_interval"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level" json:"level"`
	Development bool   `mapstructure:"development" yaml:"development" json:"development"`
}

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server" json:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database" json:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
	Simulator  SimulatorConfig  `mapstructure:"simulator" yaml:"simulator" json:"simulator"`
	Stream     StreamConfig     `mapstructure:"stream" yaml:"stream" json:"stream"`
	Settlement SettlementConfig `mapstructure:"settlement" yaml:"settlement" json:"settlement"`
	Risk       RiskConfig       `mapstructure:"risk" yaml:"risk" json:"risk"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`
	Log        LogConfig        `mapstructure:"log" yaml:"log" json:"log"`
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the loaded configuration for values the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Simulator.Workers <= 0 {
		return fmt.Errorf("simulator workers must be positive")
	}
	if c.Simulator.QueueSize <= 0 {
		return fmt.Errorf("simulator queue size must be positive")
	}
	if c.Simulator.BasePrice <= 0 {
		return fmt.Errorf("simulator base price must be positive")
	}
	if c.Stream.Cadence <= 0 {
		return fmt.Errorf("stream cadence must be positive")
	}
	if c.Stream.FillRatio < 0 || c.Stream.FillRatio > 1 {
		return fmt.Errorf("stream fill ratio must be within [0,1]")
	}
	if c.Settlement.ClaimTTL <= 0 {
		return fmt.Errorf("settlement claim ttl must be positive")
	}
	if len(c.Settlement.Venues) == 0 {
		return fmt.Errorf("settlement venues fee table is empty")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}
	if c.Risk.InitialEquity <= 0 {
		return fmt.Errorf("risk initial equity must be positive")
	}
	return nil
}
