package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/engine"
	"github.com/alanyoungcy/matchbook/internal/metrics"
)

// HaltNotifier is told when a symbol's book is halted. It must not assume
// it runs on the matching path.
type HaltNotifier interface {
	BookHalted(ctx context.Context, symbol string, err error) error
}

// CoordinatorConfig tunes the coordinator.
type CoordinatorConfig struct {
	// Lanes is the number of matching goroutines. Each symbol always maps
	// to the same lane.
	Lanes int
	// LaneBuffer is the channel depth between the dispatcher and a lane.
	LaneBuffer int
	// DrainTimeout bounds how long queued orders are still processed after
	// shutdown starts.
	DrainTimeout time.Duration
	// ReportInterval is the period of the throughput log line. Zero
	// disables it.
	ReportInterval time.Duration
}

// Coordinator pulls sequenced orders off the ingestion queue and applies
// them to the right book. One dispatcher keeps queue order and hands each
// symbol to a fixed lane, so a symbol's orders are matched one at a time in
// sequence while different symbols proceed in parallel.
type Coordinator struct {
	cfg       CoordinatorConfig
	ingest    *IngestQueue
	responses *Queue[Reply]
	registry  *Registry
	fanout    *Fanout
	notifier  HaltNotifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	processed atomic.Uint64
}

// NewCoordinator wires the matching stage. notifier may be nil.
func NewCoordinator(
	cfg CoordinatorConfig,
	ingest *IngestQueue,
	responses *Queue[Reply],
	registry *Registry,
	fanout *Fanout,
	notifier HaltNotifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Coordinator {
	if cfg.Lanes < 1 {
		cfg.Lanes = 1
	}
	if cfg.LaneBuffer < 1 {
		cfg.LaneBuffer = 64
	}
	return &Coordinator{
		cfg:       cfg,
		ingest:    ingest,
		responses: responses,
		registry:  registry,
		fanout:    fanout,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With(slog.String("component", "coordinator")),
		now:       time.Now,
	}
}

// Run processes orders until the ingestion queue is closed and drained, or
// until DrainTimeout after ctx is cancelled. Orders still queued at that
// point are answered as failed. Run closes the response queue and the
// fan-out on return.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("pipeline: coordinator starting",
		slog.Int("lanes", c.cfg.Lanes),
		slog.Duration("drain_timeout", c.cfg.DrainTimeout),
	)
	defer c.fanout.Close()
	defer c.responses.Close()

	drainCtx, cancel := c.drainContext(ctx)
	defer cancel()

	lanes := make([]chan Envelope, c.cfg.Lanes)
	for i := range lanes {
		lanes[i] = make(chan Envelope, c.cfg.LaneBuffer)
	}

	var workers errgroup.Group
	for i := range lanes {
		lane := lanes[i]
		workers.Go(func() error {
			c.runLane(drainCtx, lane)
			return nil
		})
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go c.report(reportCtx)

	c.dispatch(drainCtx, lanes)
	for _, lane := range lanes {
		close(lane)
	}
	err := workers.Wait()

	c.logger.Info("pipeline: coordinator stopped", slog.Uint64("processed", c.processed.Load()))
	return err
}

// drainContext outlives ctx by DrainTimeout. Cancelling ctx also closes
// the ingestion queue so the dispatcher drains what is left.
func (c *Coordinator) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		c.ingest.Close()
		time.AfterFunc(c.cfg.DrainTimeout, cancel)
	})
	return drainCtx, func() {
		stop()
		cancel()
	}
}

func (c *Coordinator) dispatch(ctx context.Context, lanes []chan Envelope) {
	for {
		env, err := c.ingest.Pop(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrQueueClosed) {
				c.abandon(c.ingest.Drain())
			}
			return
		}
		select {
		case lanes[laneFor(env.Order.Symbol, len(lanes))] <- env:
		case <-ctx.Done():
			c.abandon(append([]Envelope{env}, c.ingest.Drain()...))
			return
		}
	}
}

func laneFor(symbol string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

func (c *Coordinator) runLane(ctx context.Context, lane <-chan Envelope) {
	for env := range lane {
		if ctx.Err() != nil {
			c.abandon([]Envelope{env})
			continue
		}
		c.process(ctx, env)
	}
}

func (c *Coordinator) process(ctx context.Context, env Envelope) {
	o := env.Order
	h, created := c.registry.GetOrCreate(o.Symbol)
	if created {
		c.logger.Info("pipeline: order book created", slog.String("symbol", o.Symbol))
		c.metrics.ActiveBooks.Set(float64(c.registry.Len()))
	}

	fill, err := h.Submit(o)
	res, reason := c.result(o, fill, err)

	var inv *engine.InvariantError
	if errors.As(err, &inv) {
		c.halt(h.Symbol(), err)
	}

	c.observe(o, fill, reason, env.Received)
	if recordable(err) {
		c.fanout.Publish(domain.Execution{
			Seq:    o.Seq,
			Symbol: o.Symbol,
			Order:  fill.Order,
			Makers: fill.Makers,
			Trades: fill.Trades,
			Result: res,
		})
	}
	c.processed.Add(1)

	c.respond(ctx, Reply{Result: res, Origin: env.Origin})
}

// respond queues a reply for the responder. When the queue no longer
// accepts it the reply is delivered directly.
func (c *Coordinator) respond(ctx context.Context, reply Reply) {
	if err := c.responses.Push(ctx, reply); err == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := reply.Origin.Deliver(dctx, reply.Result); err != nil {
		c.logger.Warn("pipeline: response dropped",
			slog.String("origin", reply.Origin.String()),
			slog.String("order_id", reply.Result.OrderID),
			slog.String("error", err.Error()),
		)
	}
}

// recordable reports whether processing changed anything worth persisting.
func recordable(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, domain.ErrNoLiquidity)
}

// result renders the client-facing outcome and, for failures, the
// rejection reason used in metrics.
func (c *Coordinator) result(o domain.Order, fill engine.Fill, err error) (domain.Result, string) {
	res := domain.Result{
		OrderID:   o.ID,
		ClientID:  o.ClientID,
		Symbol:    o.Symbol,
		Type:      o.Type,
		Seq:       o.Seq,
		Trades:    fill.Trades,
		Timestamp: c.now(),
	}

	switch {
	case errors.Is(err, domain.ErrBookHalted), errors.Is(err, domain.ErrInvariantViolation):
		res.Status = domain.OrderStatusRejected
		res.Trades = nil
		res.Message = fmt.Sprintf("rejected: symbol %s is unavailable", o.Symbol)
		return res, metrics.ReasonHalted
	case errors.Is(err, domain.ErrInvalidOrder):
		res.Status = domain.OrderStatusRejected
		res.Message = "rejected: invalid order"
		return res, metrics.ReasonInvalid
	}

	if o.Type == domain.OrderTypeCancel {
		res.OrderID = o.TargetID
		if err != nil {
			res.Message = "cancel failed: order not found or already terminal"
			return res, metrics.ReasonCancelNotFound
		}
		res.Success = true
		res.Status = domain.OrderStatusCancelled
		res.Message = "order cancelled"
		return res, ""
	}

	ord := fill.Order
	n := len(fill.Trades)
	res.Status = ord.Status
	res.Remaining = ord.Remaining
	res.Success = ord.Status != domain.OrderStatusRejected

	switch ord.Status {
	case domain.OrderStatusFilled:
		res.Message = fmt.Sprintf("order executed with %d trades", n)
	case domain.OrderStatusNew:
		res.Message = "order accepted"
	case domain.OrderStatusPartiallyFilled:
		if o.Type == domain.OrderTypeMarket {
			res.Message = fmt.Sprintf("order executed with %d trades, unfilled remainder %d discarded", n, ord.Remaining)
		} else {
			res.Message = fmt.Sprintf("order executed with %d trades, %d resting", n, ord.Remaining)
		}
	case domain.OrderStatusRejected:
		if n == 0 {
			res.Message = "rejected: no liquidity"
		} else {
			res.Message = fmt.Sprintf("rejected: insufficient liquidity after %d trades, unfilled remainder %d", n, ord.Remaining)
		}
		return res, metrics.ReasonNoLiquidity
	}
	return res, ""
}

func (c *Coordinator) observe(o domain.Order, fill engine.Fill, reason string, received time.Time) {
	c.metrics.OrdersReceived.WithLabelValues(o.Symbol, string(o.Side), string(o.Type)).Inc()
	if !received.IsZero() {
		c.metrics.ProcessingLatency.WithLabelValues(string(o.Type)).Observe(time.Since(received).Seconds())
	}
	if n := len(fill.Trades); n > 0 {
		var qty int64
		for _, t := range fill.Trades {
			qty += t.Quantity
		}
		c.metrics.TradesExecuted.WithLabelValues(o.Symbol).Add(float64(n))
		c.metrics.TradedVolume.WithLabelValues(o.Symbol).Add(float64(qty))
	}
	if reason != "" {
		c.metrics.OrdersRejected.WithLabelValues(reason).Inc()
	}
}

func (c *Coordinator) halt(symbol string, err error) {
	c.logger.Error("pipeline: order book halted",
		slog.String("symbol", symbol),
		slog.String("error", err.Error()),
	)
	c.metrics.HaltedBooks.Inc()
	if c.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if nerr := c.notifier.BookHalted(ctx, symbol, err); nerr != nil {
			c.logger.Warn("pipeline: halt notification failed",
				slog.String("symbol", symbol),
				slog.String("error", nerr.Error()),
			)
		}
	}()
}

// abandon answers envelopes that will not be processed.
func (c *Coordinator) abandon(envs []Envelope) {
	if len(envs) == 0 {
		return
	}
	c.logger.Warn("pipeline: abandoning queued orders at shutdown", slog.Int("count", len(envs)))
	for _, env := range envs {
		c.metrics.OrdersRejected.WithLabelValues(metrics.ReasonShuttingDown).Inc()
		res := domain.Result{
			OrderID:   env.Order.ID,
			ClientID:  env.Order.ClientID,
			Symbol:    env.Order.Symbol,
			Seq:       env.Order.Seq,
			Message:   domain.ErrShuttingDown.Error(),
			Timestamp: c.now(),
		}
		if env.Order.Type == domain.OrderTypeCancel {
			res.OrderID = env.Order.TargetID
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := env.Origin.Deliver(ctx, res); err != nil {
			c.logger.Debug("pipeline: shutdown reply not delivered",
				slog.String("origin", env.Origin.String()),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

func (c *Coordinator) report(ctx context.Context) {
	if c.cfg.ReportInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.ReportInterval)
	defer ticker.Stop()

	last := c.processed.Load()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := c.processed.Load()
			rate := float64(cur-last) / c.cfg.ReportInterval.Seconds()
			last = cur
			c.updateBookGauges()
			c.logger.Info("pipeline: throughput",
				slog.Float64("orders_per_sec", rate),
				slog.Uint64("processed", cur),
				slog.Int("ingest_queue", c.ingest.Len()),
				slog.Int("response_queue", c.responses.Len()),
				slog.Int("books", c.registry.Len()),
			)
		}
	}
}

func (c *Coordinator) updateBookGauges() {
	for _, symbol := range c.registry.Symbols() {
		h, ok := c.registry.Get(symbol)
		if !ok {
			continue
		}
		snap := h.Snapshot(0)
		c.metrics.BookDepth.WithLabelValues(symbol, string(domain.SideBuy)).Set(float64(sumLevels(snap.Bids)))
		c.metrics.BookDepth.WithLabelValues(symbol, string(domain.SideSell)).Set(float64(sumLevels(snap.Asks)))
	}
}

func sumLevels(levels []domain.BookLevel) int64 {
	var total int64
	for _, l := range levels {
		total += l.Quantity
	}
	return total
}

// Snapshot returns a depth-limited view of symbol's book.
func (c *Coordinator) Snapshot(symbol string, depth int) (domain.BookSnapshot, error) {
	h, ok := c.registry.Get(symbol)
	if !ok {
		return domain.BookSnapshot{}, fmt.Errorf("pipeline: book %s: %w", symbol, domain.ErrNotFound)
	}
	return h.Snapshot(depth), nil
}

// Stats returns statistics for every book, sorted by symbol.
func (c *Coordinator) Stats() []domain.BookStats {
	symbols := c.registry.Symbols()
	out := make([]domain.BookStats, 0, len(symbols))
	for _, s := range symbols {
		if h, ok := c.registry.Get(s); ok {
			out = append(out, h.Stats())
		}
	}
	return out
}

// RestingByClient lists a client's resting orders on symbol, or on every
// book when symbol is empty. Orders are grouped by symbol, then arrival.
func (c *Coordinator) RestingByClient(clientID, symbol string) []domain.Order {
	symbols := []string{symbol}
	if symbol == "" {
		symbols = c.registry.Symbols()
	}
	var out []domain.Order
	for _, s := range symbols {
		if h, ok := c.registry.Get(s); ok {
			out = append(out, h.RestingByClient(clientID)...)
		}
	}
	return out
}

// Symbols lists symbols with a book.
func (c *Coordinator) Symbols() []string { return c.registry.Symbols() }

// Processed returns the number of orders processed so far.
func (c *Coordinator) Processed() uint64 { return c.processed.Load() }
