package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/matchbook/internal/blob/s3"
	"github.com/alanyoungcy/matchbook/internal/bus/memory"
	"github.com/alanyoungcy/matchbook/internal/cache/redis"
	"github.com/alanyoungcy/matchbook/internal/config"
	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/journal"
	"github.com/alanyoungcy/matchbook/internal/notify"
	"github.com/alanyoungcy/matchbook/internal/publish/kafka"
	"github.com/alanyoungcy/matchbook/internal/server/handler"
	"github.com/alanyoungcy/matchbook/internal/store/postgres"
)

// Dependencies bundles the external adapters the run modes use. Fields are
// nil when the corresponding service is disabled, except SignalBus and
// Notifier which always have an implementation.
type Dependencies struct {
	// Stores
	TradeStore domain.TradeStore
	OrderStore domain.OrderStore
	AuditStore domain.AuditStore

	// Caches
	BookCache   domain.BookCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobReader *s3blob.Reader
	Archiver   domain.Archiver

	// Outbound events
	Outbox    domain.Outbox
	Publisher domain.EventPublisher
	// SeqStart is the last sequence number already journaled; the
	// sequencer continues after it.
	SeqStart  uint64

	// Notifications
	Notifier *notify.Notifier

	// Health checks for GET /api/health, keyed by service name.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. Only full mode connects to
// external services; the other modes run on the in-process bus.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}
	external := cfg.External()

	// --- PostgreSQL ---
	if external && cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if external && cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BookCache = redis.NewBookCache(redisClient, cfg.Redis.SnapshotTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.SignalBus = memory.New()
	}

	// --- S3 blob storage ---
	if external && cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		writer := s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Checks["s3"] = s3Client.Health
		// The archiver exports from Postgres, so it needs both.
		if cfg.Archive.Enabled && deps.TradeStore != nil {
			deps.Archiver = s3blob.NewArchiver(
				writer,
				deps.BlobReader,
				deps.TradeStore,
				deps.OrderStore,
				deps.AuditStore,
				cfg.Archive.Purge,
				logger,
			)
		}
	}

	// --- Kafka via the local journal ---
	if external && cfg.Kafka.Enabled {
		outbox, err := journal.Open(cfg.Journal.Dir)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: journal: %w", err)
		}
		closers = append(closers, func() { _ = outbox.Close() })

		producer := kafka.NewProducer(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout.Duration,
		})
		closers = append(closers, func() { _ = producer.Close() })

		deps.Outbox = outbox
		deps.Publisher = producer
		deps.SeqStart = outbox.LastSeq()
		logger.Info("journal opened", slog.Uint64("last_seq", deps.SeqStart))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
