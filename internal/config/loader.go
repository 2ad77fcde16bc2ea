package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MATCHBOOK_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MATCHBOOK_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setInt(&cfg.Engine.Workers, "MATCHBOOK_ENGINE_WORKERS")
	setInt(&cfg.Engine.IngestCapacity, "MATCHBOOK_ENGINE_INGEST_CAPACITY")
	setInt(&cfg.Engine.ResponseCapacity, "MATCHBOOK_ENGINE_RESPONSE_CAPACITY")
	setStr(&cfg.Engine.IngestOverflow, "MATCHBOOK_ENGINE_INGEST_OVERFLOW")
	setStr(&cfg.Engine.ResponseOverflow, "MATCHBOOK_ENGINE_RESPONSE_OVERFLOW")
	setStr(&cfg.Engine.MarketRemainder, "MATCHBOOK_ENGINE_MARKET_REMAINDER")
	setDuration(&cfg.Engine.DrainTimeout, "MATCHBOOK_ENGINE_DRAIN_TIMEOUT")
	setInt64(&cfg.Engine.MaxQuantity, "MATCHBOOK_ENGINE_MAX_QUANTITY")
	setStr(&cfg.Engine.SymbolPattern, "MATCHBOOK_ENGINE_SYMBOL_PATTERN")

	// ── UDP ──
	setStr(&cfg.UDP.Addr, "MATCHBOOK_UDP_ADDR")
	setInt(&cfg.UDP.ReadBuffer, "MATCHBOOK_UDP_READ_BUFFER")
	setInt(&cfg.UDP.MaxDatagram, "MATCHBOOK_UDP_MAX_DATAGRAM")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MATCHBOOK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MATCHBOOK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MATCHBOOK_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKeyHash, "MATCHBOOK_SERVER_API_KEY_HASH")
	setInt(&cfg.Server.RateLimit, "MATCHBOOK_SERVER_RATE_LIMIT")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MATCHBOOK_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "MATCHBOOK_REDIS_URL")
	setStr(&cfg.Redis.Addr, "MATCHBOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MATCHBOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MATCHBOOK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MATCHBOOK_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "MATCHBOOK_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.OrderRateLimit, "MATCHBOOK_REDIS_ORDER_RATE_LIMIT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "MATCHBOOK_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MATCHBOOK_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MATCHBOOK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MATCHBOOK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MATCHBOOK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MATCHBOOK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MATCHBOOK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MATCHBOOK_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MATCHBOOK_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MATCHBOOK_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MATCHBOOK_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MATCHBOOK_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MATCHBOOK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MATCHBOOK_S3_REGION")
	setStr(&cfg.S3.Bucket, "MATCHBOOK_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "MATCHBOOK_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "MATCHBOOK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MATCHBOOK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MATCHBOOK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MATCHBOOK_S3_FORCE_PATH_STYLE")

	// ── Kafka / journal ──
	setBool(&cfg.Kafka.Enabled, "MATCHBOOK_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "MATCHBOOK_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "MATCHBOOK_KAFKA_TOPIC")
	setStr(&cfg.Journal.Dir, "MATCHBOOK_JOURNAL_DIR")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MATCHBOOK_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "MATCHBOOK_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "MATCHBOOK_ARCHIVE_CRON")
	setBool(&cfg.Archive.Purge, "MATCHBOOK_ARCHIVE_PURGE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MATCHBOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MATCHBOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MATCHBOOK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MATCHBOOK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MATCHBOOK_MODE")
	setStr(&cfg.LogLevel, "MATCHBOOK_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
