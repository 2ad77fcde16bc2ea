package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/matchbook/internal/config"
	"github.com/alanyoungcy/matchbook/internal/engine"
	"github.com/alanyoungcy/matchbook/internal/metrics"
	"github.com/alanyoungcy/matchbook/internal/pipeline"
	"github.com/alanyoungcy/matchbook/internal/protocol"
	"github.com/alanyoungcy/matchbook/internal/server"
	"github.com/alanyoungcy/matchbook/internal/server/handler"
	"github.com/alanyoungcy/matchbook/internal/server/ws"
	"github.com/alanyoungcy/matchbook/internal/service"
	"github.com/alanyoungcy/matchbook/internal/transport/udp"
)

// core is the matching pipeline every mode runs: UDP intake, the ingestion
// queue, the coordinator and the responder.
type core struct {
	metrics   *metrics.Metrics
	ingest    *pipeline.IngestQueue
	responses *pipeline.Queue[pipeline.Reply]
	fanout    *pipeline.Fanout
	coord     *pipeline.Coordinator
	responder *pipeline.Responder
	orders    *service.OrderService
	listener  *udp.Listener
}

// buildCore assembles the pipeline from the engine and udp sections.
func (a *App) buildCore(deps *Dependencies) (*core, error) {
	ec := a.cfg.Engine
	m := metrics.New()

	ingestPolicy, err := pipeline.ParseOverflowPolicy(ec.IngestOverflow)
	if err != nil {
		return nil, err
	}
	responsePolicy, err := pipeline.ParseOverflowPolicy(ec.ResponseOverflow)
	if err != nil {
		return nil, err
	}
	validator, err := protocol.NewValidator(ec.SymbolPattern, ec.MaxQuantity)
	if err != nil {
		return nil, err
	}

	ingestQueue := pipeline.NewQueue("ingest", ec.IngestCapacity, ingestPolicy,
		pipeline.WithOverflowHook[pipeline.Envelope](func() {
			m.QueueOverflow.WithLabelValues("ingest", string(ingestPolicy)).Inc()
		}))
	responses := pipeline.NewQueue("responses", ec.ResponseCapacity, responsePolicy,
		pipeline.WithOverflowHook[pipeline.Reply](func() {
			m.QueueOverflow.WithLabelValues("responses", string(responsePolicy)).Inc()
		}))
	m.TrackQueue("ingest", ingestQueue.Len)
	m.TrackQueue("responses", responses.Len)

	ingest := pipeline.NewIngestQueue(pipeline.NewSequencer(deps.SeqStart), ingestQueue)
	remainder := engine.MarketRemainder(ec.MarketRemainder)
	registry := pipeline.NewRegistry(func(symbol string) *engine.Book {
		return engine.NewBook(symbol, engine.WithMarketRemainder(remainder))
	})
	fanout := pipeline.NewFanout(m)

	coord := pipeline.NewCoordinator(pipeline.CoordinatorConfig{
		Lanes:          ec.Workers,
		LaneBuffer:     ec.LaneBuffer,
		DrainTimeout:   ec.DrainTimeout.Duration,
		ReportInterval: ec.ReportInterval.Duration,
	}, ingest, responses, registry, fanout, deps.Notifier, m, a.logger)
	responder := pipeline.NewResponder(responses, ec.ResponseTimeout.Duration, responderGrace(ec), a.logger)

	orders := service.NewOrderService(validator, ingest, m, a.logger).WithBooks(coord)
	if deps.RateLimiter != nil && a.cfg.Redis.OrderRateLimit > 0 {
		orders.WithRateLimiter(deps.RateLimiter, service.RateLimit{
			Limit:  a.cfg.Redis.OrderRateLimit,
			Window: a.cfg.Redis.OrderRateWindow.Duration,
		})
	}
	if deps.OrderStore != nil {
		orders.WithOrderStore(deps.OrderStore)
	}

	listener := udp.NewListener(udp.Config{
		Addr:        a.cfg.UDP.Addr,
		MaxDatagram: a.cfg.UDP.MaxDatagram,
		ReadBuffer:  a.cfg.UDP.ReadBuffer,
	}, orders, m, a.logger)

	return &core{
		metrics:   m,
		ingest:    ingest,
		responses: responses,
		fanout:    fanout,
		coord:     coord,
		responder: responder,
		orders:    orders,
		listener:  listener,
	}, nil
}

// responderGrace outlives the coordinator's drain by one send timeout, so
// replies pushed by the lanes just before the drain deadline still go out.
func responderGrace(ec config.EngineConfig) time.Duration {
	return ec.DrainTimeout.Duration + ec.ResponseTimeout.Duration
}

// start runs the core stages. Shutdown proceeds in order: the listener
// stops reading, the ingestion queue closes, the coordinator drains and
// closes the response queue and fan-out, the responder delivers what is
// left, and only then is the socket released.
func (c *core) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		err := c.listener.Run(ctx)
		c.ingest.Close()
		return err
	})
	g.Go(func() error {
		return c.coord.Run(ctx)
	})
	g.Go(func() error {
		err := c.responder.Run(ctx)
		_ = c.listener.Close()
		return err
	})
}

// EngineMode runs UDP intake and matching only.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("app: build core: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	c.start(ctx, g)
	return g.Wait()
}

// ServerMode adds the HTTP API and live feed on the in-process bus.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	return a.serve(ctx, deps, false)
}

// FullMode runs everything enabled in the configuration, including the
// broadcaster and the archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.serve(ctx, deps, true)
}

func (a *App) serve(ctx context.Context, deps *Dependencies, background bool) error {
	c, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("app: build core: %w", err)
	}
	startedAt := time.Now().UTC()

	g, ctx := errgroup.WithContext(ctx)

	// Recorder sinks, in the order side effects should happen.
	var sinks []pipeline.Sink
	var trades *service.TradeService
	if deps.TradeStore != nil {
		trades = service.NewTradeService(deps.TradeStore, deps.OrderStore, deps.AuditStore, a.logger)
		sinks = append(sinks, trades)
	}
	if deps.Outbox != nil {
		sinks = append(sinks, service.NewOutboxSink(deps.Outbox))
	}
	events := service.NewEventService(deps.SignalBus, a.logger)
	books := service.NewBookService(c.coord, deps.BookCache, deps.SignalBus, a.cfg.Engine.BookDepth, a.logger)
	sinks = append(sinks, events, books)

	recorder := pipeline.NewRecorder(sinks, a.cfg.Recorder.BatchSize, a.cfg.Recorder.FlushInterval.Duration, c.metrics, a.logger)
	recorded := c.fanout.Subscribe("recorder", a.cfg.Recorder.Buffer)

	c.start(ctx, g)
	g.Go(func() error {
		return recorder.Run(ctx, recorded)
	})

	var archiver *pipeline.Archiver
	if background {
		archiver = a.startBackground(ctx, g, deps)
	}

	if !a.cfg.Server.Enabled {
		return g.Wait()
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, startedAt, c.coord, map[string]handler.QueueDepth{
			"ingest":    func() (int, int) { return c.ingest.Len(), c.ingest.Queue().Cap() },
			"responses": func() (int, int) { return c.responses.Len(), c.responses.Cap() },
		}),
		Books:   handler.NewBookHandler(books, a.logger),
		Orders:  handler.NewOrderHandler(c.orders, a.cfg.Server.OrderTimeout.Duration, a.logger),
		Events:  handler.NewEventHandler(events, a.logger),
		Metrics: c.metrics.Handler(),
	}
	// A nil *TradeService must not reach the handler as a non-nil interface.
	var tradeLister handler.TradeLister
	if trades != nil {
		tradeLister = trades
	}
	handlers.Trades = handler.NewTradeHandler(tradeLister, a.logger)
	if deps.BlobReader != nil {
		var trigger func() bool
		if archiver != nil {
			trigger = archiver.Trigger
		}
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, trigger, a.logger)
	}

	srv := server.NewServer(server.Config{
		Addr:            fmt.Sprintf(":%d", a.cfg.Server.Port),
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKeyHash:      a.cfg.Server.APIKeyHash,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// startBackground launches the broadcaster and archiver when their
// dependencies are wired. It returns the archiver, or nil.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies) *pipeline.Archiver {
	if deps.Outbox != nil && deps.Publisher != nil {
		jc := a.cfg.Journal
		broadcaster := pipeline.NewBroadcaster(deps.Outbox, deps.Publisher,
			jc.RelayInterval.Duration, jc.BatchSize, uint32(jc.MaxAttempts), a.logger).
			OnPark(func(ctx context.Context, n int) {
				a.notify(ctx, deps.Notifier.OutboxParked(ctx, n))
			})
		g.Go(func() error {
			return broadcaster.Run(ctx)
		})
	}

	if deps.Archiver == nil {
		return nil
	}
	archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger).
		OnFailure(func(ctx context.Context, err error) {
			a.notify(ctx, deps.Notifier.ArchiveFailed(ctx, err))
		})
	if deps.LockManager != nil {
		archiver.WithLock(deps.LockManager, a.cfg.Archive.LockTTL.Duration)
	}
	g.Go(func() error {
		return archiver.RunCron(ctx, a.cfg.Archive.Cron)
	})
	return archiver
}

// notify logs a failed operator notification. Delivery problems never
// stop the pipeline.
func (a *App) notify(ctx context.Context, err error) {
	if err != nil {
		a.logger.WarnContext(ctx, "app: notification failed", slog.String("error", err.Error()))
	}
}
