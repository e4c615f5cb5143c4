// Package config loads the daemon configuration: compiled defaults, an
// optional YAML file, then EMBER_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Duration unmarshals either a Go duration string ("5m") or a bare number
// of seconds, in YAML and in environment values.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(raw string) (Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(secs * float64(time.Second))), nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return Duration(dur), nil
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	Group        string   `yaml:"group"`
	DelayedTopic string   `yaml:"delayed_topic"`
}

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	NodeID     string `yaml:"node_id"`
	LogLevel   string `yaml:"log_level"`

	ImmediateHorizon   Duration `yaml:"immediate_horizon"`
	TransferHorizon    Duration `yaml:"transfer_horizon"`
	SyncInterval       Duration `yaml:"sync_interval"`       // transfer loop tick
	ProcessingInterval Duration `yaml:"processing_interval"` // hot loop tick
	MaxRetries         int      `yaml:"max_retries"`
	RetryDelay         Duration `yaml:"retry_delay"`
	MaxConcurrent      int      `yaml:"max_concurrent"`
	StaleClaim         Duration `yaml:"stale_claim"` // 0 = 2x processing interval

	Redis       RedisConfig      `yaml:"redis"`
	ColdBackend string           `yaml:"cold_backend"` // clickhouse | postgres | memory
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	PostgresURL string           `yaml:"postgres_url"`
	Kafka       KafkaConfig      `yaml:"kafka"`

	AnalyticsBatchSize      int      `yaml:"analytics_batch_size"`
	AnalyticsFlushInterval  Duration `yaml:"analytics_flush_interval"`
	ExecutionHistoryTTLDays int      `yaml:"execution_history_ttl_days"`
	TransferBatchLimit      int      `yaml:"transfer_batch_limit"`
	TransferRateLimit       float64  `yaml:"transfer_rate_limit"` // events/s, 0 = unpaced
	BreakerFailureThreshold int      `yaml:"breaker_failure_threshold"`
	BreakerCooldown         Duration `yaml:"breaker_cooldown"`
	CleanupEveryNTicks      int      `yaml:"cleanup_every_n_ticks"`
}

// Defaults returns the compiled-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr: ":8085",
		LogLevel:   "info",

		ImmediateHorizon:   Duration(24 * time.Hour),
		TransferHorizon:    Duration(time.Hour),
		SyncInterval:       Duration(5 * time.Minute),
		ProcessingInterval: Duration(5 * time.Second),
		MaxRetries:         3,
		RetryDelay:         Duration(time.Minute),
		MaxConcurrent:      10,

		Redis:       RedisConfig{Addr: "localhost:6379"},
		ColdBackend: "clickhouse",
		ClickHouse:  ClickHouseConfig{Addr: "localhost:9000", Database: "ember", User: "default"},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Group:        "ember-scheduler",
			DelayedTopic: "scheduled_events",
		},

		AnalyticsBatchSize:      100,
		AnalyticsFlushInterval:  Duration(5 * time.Second),
		ExecutionHistoryTTLDays: 90,
		TransferBatchLimit:      500,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         Duration(30 * time.Second),
		CleanupEveryNTicks:      12,
	}
}

// Load builds the configuration: defaults, then the YAML file named by path
// or EMBER_CONFIG_FILE if set, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("EMBER_CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}
	if cfg.StaleClaim <= 0 {
		cfg.StaleClaim = 2 * cfg.ProcessingInterval
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	var err error
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("%s: invalid integer %q", key, v)
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = fmt.Errorf("%s: invalid number %q", key, v)
			return
		}
		*dst = f
	}
	setDuration := func(key string, dst *Duration) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		d, perr := parseDuration(v)
		if perr != nil {
			err = fmt.Errorf("%s: %v", key, perr)
			return
		}
		*dst = d
	}

	setString("EMBER_LISTEN_ADDR", &c.ListenAddr)
	setString("EMBER_NODE_ID", &c.NodeID)
	setString("EMBER_LOG_LEVEL", &c.LogLevel)

	setDuration("EMBER_IMMEDIATE_HORIZON_SECONDS", &c.ImmediateHorizon)
	setDuration("EMBER_TRANSFER_HORIZON_SECONDS", &c.TransferHorizon)
	setDuration("EMBER_CLICKHOUSE_SYNC_INTERVAL", &c.SyncInterval)
	setDuration("EMBER_REDIS_PROCESSING_INTERVAL", &c.ProcessingInterval)
	setInt("EMBER_MAX_RETRIES", &c.MaxRetries)
	setDuration("EMBER_RETRY_DELAY_SECONDS", &c.RetryDelay)
	setInt("EMBER_MAX_CONCURRENT_EXECUTIONS", &c.MaxConcurrent)
	setDuration("EMBER_STALE_CLAIM_SECONDS", &c.StaleClaim)

	setString("EMBER_REDIS_ADDR", &c.Redis.Addr)
	setString("EMBER_REDIS_PASSWORD", &c.Redis.Password)
	setInt("EMBER_REDIS_DB", &c.Redis.DB)

	setString("EMBER_COLD_BACKEND", &c.ColdBackend)
	setString("EMBER_CLICKHOUSE_ADDR", &c.ClickHouse.Addr)
	setString("EMBER_CLICKHOUSE_DATABASE", &c.ClickHouse.Database)
	setString("EMBER_CLICKHOUSE_USER", &c.ClickHouse.User)
	setString("EMBER_CLICKHOUSE_PASSWORD", &c.ClickHouse.Password)
	setString("EMBER_POSTGRES_URL", &c.PostgresURL)

	if v, ok := os.LookupEnv("EMBER_KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
	}
	setString("EMBER_KAFKA_GROUP", &c.Kafka.Group)
	setString("EMBER_DELAYED_TOPIC", &c.Kafka.DelayedTopic)

	setInt("EMBER_ANALYTICS_BATCH_SIZE", &c.AnalyticsBatchSize)
	setDuration("EMBER_ANALYTICS_FLUSH_INTERVAL", &c.AnalyticsFlushInterval)
	setInt("EMBER_EXECUTION_HISTORY_TTL_DAYS", &c.ExecutionHistoryTTLDays)
	setInt("EMBER_TRANSFER_BATCH_LIMIT", &c.TransferBatchLimit)
	setFloat("EMBER_TRANSFER_RATE_LIMIT", &c.TransferRateLimit)
	setInt("EMBER_BREAKER_FAILURE_THRESHOLD", &c.BreakerFailureThreshold)
	setDuration("EMBER_BREAKER_COOLDOWN", &c.BreakerCooldown)
	setInt("EMBER_CLEANUP_EVERY_N_TICKS", &c.CleanupEveryNTicks)
	return err
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.ColdBackend {
	case "clickhouse", "postgres", "memory":
	default:
		return fmt.Errorf("cold_backend must be clickhouse, postgres or memory, got %q", c.ColdBackend)
	}
	if c.ColdBackend == "postgres" && c.PostgresURL == "" {
		return fmt.Errorf("postgres_url is required with the postgres backend")
	}
	if c.ImmediateHorizon <= 0 || c.TransferHorizon <= 0 {
		return fmt.Errorf("horizons must be positive")
	}
	if c.TransferHorizon.Std() > c.ImmediateHorizon.Std() {
		return fmt.Errorf("transfer_horizon must not exceed immediate_horizon")
	}
	if c.ProcessingInterval <= 0 || c.SyncInterval <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	return nil
}

func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "ember"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
