// Package config defines the top-level configuration for the matching
// engine and provides validation helpers.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/alanyoungcy/matchbook/internal/engine"
	"github.com/alanyoungcy/matchbook/internal/pipeline"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MATCHBOOK_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	UDP      UDPConfig      `toml:"udp"`
	Server   ServerConfig   `toml:"server"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Journal  JournalConfig  `toml:"journal"`
	Recorder RecorderConfig `toml:"recorder"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig tunes the matching pipeline.
type EngineConfig struct {
	// Workers is the number of matching lanes. A symbol always maps to the
	// same lane.
	Workers          int      `toml:"workers"`
	LaneBuffer       int      `toml:"lane_buffer"`
	IngestCapacity   int      `toml:"ingest_capacity"`
	ResponseCapacity int      `toml:"response_capacity"`
	IngestOverflow   string   `toml:"ingest_overflow"`
	ResponseOverflow string   `toml:"response_overflow"`
	MarketRemainder  string   `toml:"market_remainder"`
	DrainTimeout     duration `toml:"drain_timeout"`
	ResponseTimeout  duration `toml:"response_timeout"`
	ReportInterval   duration `toml:"report_interval"`
	MaxQuantity      int64    `toml:"max_quantity"`
	SymbolPattern    string   `toml:"symbol_pattern"`
	BookDepth        int      `toml:"book_depth"`
}

// UDPConfig holds the order ingestion socket parameters.
type UDPConfig struct {
	Addr        string `toml:"addr"`
	ReadBuffer  int    `toml:"read_buffer"`
	MaxDatagram int    `toml:"max_datagram"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKeyHash is a bcrypt hash. Empty disables authentication.
	APIKeyHash      string   `toml:"api_key_hash"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
	OrderTimeout    duration `toml:"order_timeout"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	URL         string   `toml:"url"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	KeyPrefix   string   `toml:"key_prefix"`
	SnapshotTTL duration `toml:"snapshot_ttl"`
	// OrderRateLimit bounds orders per client per OrderRateWindow. Zero
	// disables per-client limiting.
	OrderRateLimit  int      `toml:"order_rate_limit"`
	OrderRateWindow duration `toml:"order_rate_window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig holds the execution event topic parameters.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchTimeout duration `toml:"batch_timeout"`
}

// JournalConfig holds the local outbox parameters. The journal is only
// opened when Kafka is enabled.
type JournalConfig struct {
	Dir           string   `toml:"dir"`
	RelayInterval duration `toml:"relay_interval"`
	BatchSize     int      `toml:"batch_size"`
	MaxAttempts   int      `toml:"max_attempts"`
}

// RecorderConfig tunes the side-effect stage.
type RecorderConfig struct {
	BatchSize     int      `toml:"batch_size"`
	FlushInterval duration `toml:"flush_interval"`
	Buffer        int      `toml:"buffer"`
}

// ArchiveConfig holds cold storage export parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Cron          string   `toml:"cron"`
	Purge         bool     `toml:"purge"`
	LockTTL       duration `toml:"lock_ttl"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Workers:          4,
			LaneBuffer:       256,
			IngestCapacity:   10000,
			ResponseCapacity: 10000,
			IngestOverflow:   string(pipeline.OverflowReject),
			ResponseOverflow: string(pipeline.OverflowBlock),
			MarketRemainder:  string(engine.MarketRemainderDiscard),
			DrainTimeout:     duration{5 * time.Second},
			ResponseTimeout:  duration{time.Second},
			ReportInterval:   duration{10 * time.Second},
			MaxQuantity:      1_000_000_000,
			BookDepth:        10,
		},
		UDP: UDPConfig{
			Addr:        "0.0.0.0:8888",
			ReadBuffer:  4 << 20,
			MaxDatagram: 4096,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       600,
			RateLimitWindow: duration{time.Minute},
			OrderTimeout:    duration{5 * time.Second},
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			PoolSize:        20,
			MaxRetries:      3,
			KeyPrefix:       "matchbook",
			SnapshotTTL:     duration{24 * time.Hour},
			OrderRateLimit:  0,
			OrderRateWindow: duration{time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "matchbook",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "matchbook-archive",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "matchbook.executions",
			BatchTimeout: duration{10 * time.Millisecond},
		},
		Journal: JournalConfig{
			Dir:           "data/journal",
			RelayInterval: duration{500 * time.Millisecond},
			BatchSize:     500,
			MaxAttempts:   10,
		},
		Recorder: RecorderConfig{
			BatchSize:     256,
			FlushInterval: duration{100 * time.Millisecond},
			Buffer:        4096,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Cron:          "0 3 * * *",
			LockTTL:       duration{30 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"book_halted", "archive_failed", "outbox_parked"},
		},
		Mode:     "engine",
		LogLevel: "info",
	}
}

// Supported modes.
const (
	ModeEngine = "engine"
	ModeServer = "server"
	ModeFull   = "full"
)

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeEngine: true,
	ModeServer: true,
	ModeFull:   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// External reports whether the mode talks to external services at all.
func (c *Config) External() bool {
	return strings.ToLower(c.Mode) == ModeFull
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	e := c.Engine
	if e.Workers < 1 {
		errs = append(errs, "engine: workers must be >= 1")
	}
	if e.IngestCapacity < 1 {
		errs = append(errs, "engine: ingest_capacity must be >= 1")
	}
	if e.ResponseCapacity < 1 {
		errs = append(errs, "engine: response_capacity must be >= 1")
	}
	if _, err := pipeline.ParseOverflowPolicy(e.IngestOverflow); err != nil {
		errs = append(errs, "engine: ingest_overflow: "+err.Error())
	}
	if _, err := pipeline.ParseOverflowPolicy(e.ResponseOverflow); err != nil {
		errs = append(errs, "engine: response_overflow: "+err.Error())
	}
	switch engine.MarketRemainder(e.MarketRemainder) {
	case engine.MarketRemainderDiscard, engine.MarketRemainderReject:
	default:
		errs = append(errs, fmt.Sprintf("engine: market_remainder must be discard or reject, got %q", e.MarketRemainder))
	}
	if e.DrainTimeout.Duration < 0 {
		errs = append(errs, "engine: drain_timeout must not be negative")
	}
	if e.MaxQuantity < 0 {
		errs = append(errs, "engine: max_quantity must not be negative")
	}
	if e.SymbolPattern != "" {
		if _, err := regexp.Compile(e.SymbolPattern); err != nil {
			errs = append(errs, "engine: symbol_pattern: "+err.Error())
		}
	}
	if e.BookDepth < 1 {
		errs = append(errs, "engine: book_depth must be >= 1")
	}

	// UDP
	if _, _, err := net.SplitHostPort(c.UDP.Addr); err != nil {
		errs = append(errs, fmt.Sprintf("udp: addr %q: %v", c.UDP.Addr, err))
	}
	if c.UDP.MaxDatagram < 64 || c.UDP.MaxDatagram > 65507 {
		errs = append(errs, fmt.Sprintf("udp: max_datagram must be 64-65507, got %d", c.UDP.MaxDatagram))
	}

	// Server
	if c.Server.Enabled && mode != ModeEngine {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
		}
		if h := c.Server.APIKeyHash; h != "" && !strings.HasPrefix(h, "$2") {
			errs = append(errs, "server: api_key_hash must be a bcrypt hash")
		}
	}

	if mode == ModeFull {
		errs = append(errs, c.validateExternal()...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateExternal() []string {
	var errs []string

	if c.Redis.Enabled {
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.OrderRateLimit > 0 && c.Redis.OrderRateWindow.Duration <= 0 {
			errs = append(errs, "redis: order_rate_window must be > 0 when order_rate_limit is set")
		}
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty")
		}
		if c.Journal.Dir == "" {
			errs = append(errs, "journal: dir is required when kafka is enabled")
		}
		if c.Journal.MaxAttempts < 1 {
			errs = append(errs, "journal: max_attempts must be >= 1")
		}
	}

	if c.Archive.Enabled {
		if !c.S3.Enabled || !c.Postgres.Enabled {
			errs = append(errs, "archive: requires both s3 and postgres to be enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if err := pipeline.ValidateCron(c.Archive.Cron); err != nil {
			errs = append(errs, "archive: cron: "+err.Error())
		}
	}

	if c.Recorder.BatchSize < 1 {
		errs = append(errs, "recorder: batch_size must be >= 1")
	}
	if c.Recorder.FlushInterval.Duration <= 0 {
		errs = append(errs, "recorder: flush_interval must be > 0")
	}
	return errs
}
