// Command loadgen drives a matchd instance over UDP with a random order
// stream from many concurrent clients and reports latency percentiles and
// throughput.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/matchbook/internal/protocol"
)

type options struct {
	addr     string
	clients  int
	rate     int
	duration time.Duration
	timeout  time.Duration
	seed     uint64
	mix      mix
}

func main() {
	var (
		opts               options
		symbols            string
		priceMin, priceMax string
	)
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:8888", "matchd UDP address")
	flag.IntVar(&opts.clients, "clients", 10, "concurrent clients")
	flag.IntVar(&opts.rate, "rate", 1000, "target orders per second across all clients")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "test duration")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Second, "per-order response timeout")
	flag.Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	flag.StringVar(&symbols, "symbols", "AAPL,MSFT,GOOGL", "comma-separated symbols")
	flag.StringVar(&priceMin, "price-min", "95.00", "lowest limit price")
	flag.StringVar(&priceMax, "price-max", "105.00", "highest limit price")
	flag.Int64Var(&opts.mix.QuantityMax, "qty-max", 100, "largest order quantity")
	flag.Float64Var(&opts.mix.MarketRatio, "market-ratio", 0.1, "share of MARKET orders")
	flag.Float64Var(&opts.mix.CancelRatio, "cancel-ratio", 0.1, "share of CANCEL orders")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := opts.parse(symbols, priceMin, priceMax); err != nil {
		logger.Error("invalid flags", slog.String("error", err.Error()))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("loadgen starting",
		slog.String("addr", opts.addr),
		slog.Int("clients", opts.clients),
		slog.Int("rate", opts.rate),
		slog.Duration("duration", opts.duration),
	)
	sum, err := run(ctx, opts, logger)
	if err != nil {
		logger.Error("loadgen failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	report(logger, sum)
}

func (o *options) parse(symbols, priceMin, priceMax string) error {
	for _, s := range strings.Split(symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			o.mix.Symbols = append(o.mix.Symbols, strings.ToUpper(s))
		}
	}
	if len(o.mix.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	var err error
	if o.mix.PriceMin, err = decimal.NewFromString(priceMin); err != nil {
		return fmt.Errorf("price-min: %w", err)
	}
	if o.mix.PriceMax, err = decimal.NewFromString(priceMax); err != nil {
		return fmt.Errorf("price-max: %w", err)
	}
	if !o.mix.PriceMin.IsPositive() || o.mix.PriceMax.LessThan(o.mix.PriceMin) {
		return errors.New("need 0 < price-min <= price-max")
	}
	if o.clients < 1 || o.rate < 1 || o.mix.QuantityMax < 1 {
		return errors.New("clients, rate and qty-max must be positive")
	}
	if o.mix.MarketRatio < 0 || o.mix.CancelRatio < 0 || o.mix.MarketRatio+o.mix.CancelRatio > 1 {
		return errors.New("market-ratio and cancel-ratio must be non-negative and sum to at most 1")
	}
	return nil
}

func run(ctx context.Context, opts options, logger *slog.Logger) (summary, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	raddr, err := net.ResolveUDPAddr("udp", opts.addr)
	if err != nil {
		return summary{}, fmt.Errorf("resolve %s: %w", opts.addr, err)
	}

	st := newStats()
	interval := time.Duration(float64(time.Second) * float64(opts.clients) / float64(opts.rate))
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.clients; i++ {
		clientID := fmt.Sprintf("load-%03d", i)
		gen := newGenerator(clientID, opts.mix, opts.seed+uint64(i))
		g.Go(func() error {
			return runClient(ctx, raddr, gen, interval, opts.timeout, st, logger)
		})
	}
	if err := g.Wait(); err != nil {
		return summary{}, err
	}
	return st.summarize(time.Since(start)), nil
}

// runClient sends one order per interval and waits for its response
// before sending the next, so responses need no correlation.
func runClient(ctx context.Context, raddr *net.UDPAddr, gen *generator, interval, timeout time.Duration, st *stats, logger *slog.Logger) error {
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("%s: dial: %w", gen.clientID, err)
	}
	defer conn.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	buf := make([]byte, 64<<10)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		req := gen.next()
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		sent := time.Now()
		if _, err := conn.Write(data); err != nil {
			logger.Warn("loadgen: send failed", slog.String("client", gen.clientID), slog.String("error", err.Error()))
			continue
		}
		_ = conn.SetReadDeadline(sent.Add(timeout))
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				st.timeout()
				continue
			}
			logger.Warn("loadgen: receive failed", slog.String("client", gen.clientID), slog.String("error", err.Error()))
			continue
		}
		latency := time.Since(sent)

		var resp protocol.Response
		if err := json.Unmarshal(buf[:n], &resp); err != nil {
			logger.Warn("loadgen: bad response", slog.String("client", gen.clientID), slog.String("error", err.Error()))
			continue
		}
		gen.observe(req, resp)
		st.record(latency, resp)
	}
}

func report(logger *slog.Logger, s summary) {
	logger.Info("loadgen finished",
		slog.Int("sent", s.Sent),
		slog.Int("succeeded", s.Succeeded),
		slog.Int("failed", s.Failed),
		slog.Int("timeouts", s.Timeouts),
		slog.Int("trades", s.Trades),
		slog.Int64("volume", s.Volume),
		slog.Float64("orders_per_second", s.Throughput),
		slog.Duration("latency_min", s.Min),
		slog.Duration("latency_avg", s.Avg),
		slog.Duration("latency_p50", s.P50),
		slog.Duration("latency_p95", s.P95),
		slog.Duration("latency_p99", s.P99),
		slog.Duration("latency_max", s.Max),
	)
	for msg, n := range s.Errors {
		logger.Info("loadgen failure reason", slog.String("message", msg), slog.Int("count", n))
	}
}
