package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cfg.Mode = ModeFull
	cfg.Redis.Enabled = true
	cfg.Postgres.Enabled = true
	cfg.S3.Enabled = true
	cfg.Kafka.Enabled = true
	cfg.Archive.Enabled = true
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matchbook.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"

[engine]
workers = 8
market_remainder = "reject"
drain_timeout = "2s"

[udp]
addr = "127.0.0.1:9999"

[server]
port = 9090
`), 0o600))

	t.Setenv("MATCHBOOK_SERVER_PORT", "9191")
	t.Setenv("MATCHBOOK_KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeServer, cfg.Mode)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, "reject", cfg.Engine.MarketRemainder)
	assert.Equal(t, 2*time.Second, cfg.Engine.DrainTimeout.Duration)
	assert.Equal(t, "127.0.0.1:9999", cfg.UDP.Addr)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10000, cfg.Engine.IngestCapacity)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Engine.Workers = 0
	cfg.Engine.IngestOverflow = "drop"
	cfg.Engine.MarketRemainder = "keep"
	cfg.Engine.SymbolPattern = "["
	cfg.UDP.Addr = "nohost"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown log_level "loud"`,
		"engine: workers must be >= 1",
		"engine: ingest_overflow",
		"engine: market_remainder",
		"engine: symbol_pattern",
		`udp: addr "nohost"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_ExternalOnlyInFullMode(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	cfg.Archive.Cron = "not a cron"
	cfg.Kafka.Enabled = true
	cfg.Kafka.Topic = ""
	require.NoError(t, cfg.Validate(), "engine mode ignores external services")

	cfg.Mode = ModeFull
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive: requires both s3 and postgres")
	assert.Contains(t, err.Error(), "archive: cron")
	assert.Contains(t, err.Error(), "kafka: topic must not be empty")
}

func TestValidate_ServerChecksSkippedInEngineMode(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Server.APIKeyHash = "plaintext"
	require.NoError(t, cfg.Validate())

	cfg.Mode = ModeServer
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server: port must be 1-65535")
	assert.Contains(t, err.Error(), "server: api_key_hash must be a bcrypt hash")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.Redis.URL = "redis://:secret@host:6379/0"
	cfg.S3.SecretKey = "sk"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Redis.URL)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Empty(t, out.S3.AccessKey, "empty secrets stay empty")
	assert.Equal(t, "pw", cfg.Postgres.Password, "original is untouched")

	out.Kafka.Brokers[0] = "changed"
	assert.Equal(t, "localhost:9092", cfg.Kafka.Brokers[0])
}
