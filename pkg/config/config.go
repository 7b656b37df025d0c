package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string        `yaml:"environment" validate:"required"`
	Machine     MachineConfig `yaml:"machine"`
	Server struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	} `yaml:"server"`
	ClickHouse struct {
		Host             string        `yaml:"host" validate:"required"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"screenpulse"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Host     string        `yaml:"host" default:"localhost"`
		Port     int           `yaml:"port" default:"6379"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		TierTTL  time.Duration `yaml:"tier_ttl" default:"5m"`
	} `yaml:"redis"`
	Feed     FeedConfig     `yaml:"feed"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Pool     PoolConfig     `yaml:"pool"`
	Scaling  ScalingConfig  `yaml:"scaling"`
	Sync     SyncConfig     `yaml:"sync"`
	Sink     SinkConfig     `yaml:"sink"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

// MachineConfig identifies this machine instance and sets its cadence.
type MachineConfig struct {
	TenantID         string        `yaml:"tenant_id" validate:"required"`
	MachineID        string        `yaml:"machine_id"`
	Version          string        `yaml:"version" default:"v1.0.0"`
	CyclePeriod      time.Duration `yaml:"cycle_period" default:"10s"`
	BaselineInterval string        `yaml:"baseline_interval" default:"1m"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period" default:"30s"`
}

// FeedConfig points at the upstream market data source.
type FeedConfig struct {
	WebSocketURL   string        `yaml:"websocket_url" default:"wss://stream.binance.com:9443"`
	RestURL        string        `yaml:"rest_url" default:"https://api.binance.com"`
	Symbols        []string      `yaml:"symbols"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"30s"`
	HistoryLimit   int           `yaml:"history_limit" default:"500"`
}

// AnalyzerConfig points at the external analysis service.
type AnalyzerConfig struct {
	URL           string        `yaml:"url" validate:"required"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout" default:"30s"`
	MaxConcurrent int           `yaml:"max_concurrent" default:"3" validate:"gte=1"`
	// CacheTTL memoises verdicts per (trader, symbol). Zero disables.
	CacheTTL time.Duration `yaml:"cache_ttl" default:"0s"`
}

// SinkConfig selects the outbound notification transport.
type SinkConfig struct {
	Type  string `yaml:"type" default:"websocket" validate:"oneof=websocket kafka both"`
	Topic string `yaml:"topic" default:"machine-events"`
}

// KafkaConfig tunes the event producer.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	RequiredAcks int           `yaml:"required_acks" default:"-1"`
	Compression  string        `yaml:"compression" default:"gzip"`
	BatchSize    int           `yaml:"batch_size" default:"100"`
	Linger       time.Duration `yaml:"linger" default:"1s"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
}

// PoolConfig tunes the screening worker pool.
type PoolConfig struct {
	InitialWorkers int           `yaml:"initial_workers" default:"2" validate:"gte=1"`
	MaxWorkers     int           `yaml:"max_workers" default:"8" validate:"gte=1"`
	EvalTimeout    time.Duration `yaml:"eval_timeout" default:"2s"`
}

// ScalingConfig is the autoscaler policy.
type ScalingConfig struct {
	MinWorkers        int           `yaml:"min_workers" default:"1" validate:"gte=1"`
	MaxWorkers        int           `yaml:"max_workers" default:"8" validate:"gte=1"`
	QueueHighWater    int           `yaml:"queue_high_water" default:"8"`
	QueueLowWater     int           `yaml:"queue_low_water" default:"1"`
	CPUHighPercent    float64       `yaml:"cpu_high_percent" default:"80"`
	MemoryHighPercent float64       `yaml:"memory_high_percent" default:"85"`
	BusyHighRatio     float64       `yaml:"busy_high_ratio" default:"0.9"`
	BusyLowRatio      float64       `yaml:"busy_low_ratio" default:"0.3"`
	Cooldown          time.Duration `yaml:"cooldown" default:"1m"`
	MaxStep           int           `yaml:"max_step" default:"2" validate:"gte=1"`
}

// SyncConfig tunes the durable write buffer.
type SyncConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval" default:"15s"`
	BatchSize     int           `yaml:"batch_size" default:"200" validate:"gte=1"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("TENANT_ID"); v != "" {
		c.Machine.TenantID = v
	}
	if v := os.Getenv("MACHINE_ID"); v != "" {
		c.Machine.MachineID = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Feed.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("ANALYZER_URL"); v != "" {
		c.Analyzer.URL = v
	}
	if v := os.Getenv("ANALYZER_API_KEY"); v != "" {
		c.Analyzer.APIKey = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}

	return c, nil
}

// Validate checks tag rules plus cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Pool.InitialWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("pool.initial_workers (%d) exceeds pool.max_workers (%d)",
			c.Pool.InitialWorkers, c.Pool.MaxWorkers)
	}
	if c.Scaling.MinWorkers > c.Scaling.MaxWorkers {
		return fmt.Errorf("scaling.min_workers (%d) exceeds scaling.max_workers (%d)",
			c.Scaling.MinWorkers, c.Scaling.MaxWorkers)
	}
	if c.Scaling.MaxWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("scaling.max_workers (%d) exceeds pool.max_workers (%d)",
			c.Scaling.MaxWorkers, c.Pool.MaxWorkers)
	}
	if (c.Sink.Type == "kafka" || c.Sink.Type == "both") && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when sink.type is %q", c.Sink.Type)
	}
	return nil
}
