package main

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/matchbook/internal/protocol"
)

// mix configures the random order stream.
type mix struct {
	Symbols     []string
	PriceMin    decimal.Decimal
	PriceMax    decimal.Decimal
	QuantityMax int64
	MarketRatio float64
	CancelRatio float64
}

// generator produces requests for one client. It remembers its resting
// orders so cancels target real ids.
type generator struct {
	clientID string
	mix      mix
	rng      *rand.Rand
	resting  []resting
}

type resting struct {
	id     string
	symbol string
}

func newGenerator(clientID string, m mix, seed uint64) *generator {
	return &generator{clientID: clientID, mix: m, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// next returns the next request to send.
func (g *generator) next() protocol.Request {
	roll := g.rng.Float64()
	if roll < g.mix.CancelRatio && len(g.resting) > 0 {
		i := g.rng.IntN(len(g.resting))
		r := g.resting[i]
		g.resting = slices.Delete(g.resting, i, i+1)
		return protocol.Request{
			ClientID:  g.clientID,
			Symbol:    r.symbol,
			OrderType: "CANCEL",
			OrderID:   r.id,
		}
	}

	req := protocol.Request{
		ClientID:  g.clientID,
		Symbol:    g.mix.Symbols[g.rng.IntN(len(g.mix.Symbols))],
		Side:      "BUY",
		OrderType: "LIMIT",
		Quantity:  json.Number(strconv.FormatInt(1+g.rng.Int64N(g.mix.QuantityMax), 10)),
	}
	if g.rng.IntN(2) == 1 {
		req.Side = "SELL"
	}
	if roll < g.mix.CancelRatio+g.mix.MarketRatio {
		req.OrderType = "MARKET"
		return req
	}
	spread := g.mix.PriceMax.Sub(g.mix.PriceMin)
	price := g.mix.PriceMin.Add(spread.Mul(decimal.NewFromFloat(g.rng.Float64()))).Round(2)
	if !price.IsPositive() {
		price = decimal.New(1, -2)
	}
	req.Price = json.Number(price.StringFixed(2))
	return req
}

// observe records the outcome of a request so later cancels can target
// orders that are still resting.
func (g *generator) observe(req protocol.Request, resp protocol.Response) {
	if req.OrderType != "LIMIT" || !resp.Success {
		return
	}
	switch resp.Status {
	case "NEW", "PARTIALLY_FILLED":
		g.resting = append(g.resting, resting{id: resp.OrderID, symbol: req.Symbol})
	}
}

// stats aggregates results across clients.
type stats struct {
	mu        sync.Mutex
	latencies []time.Duration
	succeeded int
	failed    int
	timeouts  int
	trades    int
	volume    int64
	errors    map[string]int
}

func newStats() *stats {
	return &stats{errors: map[string]int{}}
}

func (s *stats) record(latency time.Duration, resp protocol.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, latency)
	if resp.Success {
		s.succeeded++
	} else {
		s.failed++
		s.errors[resp.Message]++
	}
	s.trades += len(resp.Trades)
	for _, t := range resp.Trades {
		s.volume += t.Quantity
	}
}

func (s *stats) timeout() {
	s.mu.Lock()
	s.timeouts++
	s.mu.Unlock()
}

// summary is the final report.
type summary struct {
	Sent       int
	Succeeded  int
	Failed     int
	Timeouts   int
	Trades     int
	Volume     int64
	Throughput float64
	Min        time.Duration
	Avg        time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Max        time.Duration
	Errors     map[string]int
}

func (s *stats) summarize(elapsed time.Duration) summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	lat := slices.Clone(s.latencies)
	slices.Sort(lat)
	out := summary{
		Sent:      len(lat) + s.timeouts,
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Timeouts:  s.timeouts,
		Trades:    s.trades,
		Volume:    s.volume,
		Errors:    s.errors,
	}
	if elapsed > 0 {
		out.Throughput = float64(len(lat)) / elapsed.Seconds()
	}
	if len(lat) == 0 {
		return out
	}
	var total time.Duration
	for _, d := range lat {
		total += d
	}
	out.Min = lat[0]
	out.Max = lat[len(lat)-1]
	out.Avg = total / time.Duration(len(lat))
	out.P50 = percentile(lat, 50)
	out.P95 = percentile(lat, 95)
	out.P99 = percentile(lat, 99)
	return out
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}
