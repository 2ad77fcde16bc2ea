package udp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/engine"
	"github.com/alanyoungcy/matchbook/internal/metrics"
	"github.com/alanyoungcy/matchbook/internal/pipeline"
	"github.com/alanyoungcy/matchbook/internal/protocol"
	"github.com/alanyoungcy/matchbook/internal/service"
)

type fixture struct {
	listener *Listener
	ingest   *pipeline.IngestQueue
	metrics  *metrics.Metrics
	client   *net.UDPConn
}

func newFixture(t *testing.T, ingestCap int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	v, err := protocol.NewValidator("", 1_000_000)
	require.NoError(t, err)
	ingest := pipeline.NewIngestQueue(pipeline.NewSequencer(0),
		pipeline.NewQueue[pipeline.Envelope]("ingest", ingestCap, pipeline.OverflowReject))
	svc := service.NewOrderService(v, ingest, m, logger)

	l := NewListener(Config{Addr: "127.0.0.1:0", MaxDatagram: 512}, svc, m, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	select {
	case <-l.Ready():
	case err := <-done:
		t.Fatalf("listener failed: %v", err)
	}

	client, err := net.DialUDP("udp", nil, l.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		_ = client.Close()
		_ = l.Close()
	})
	return &fixture{listener: l, ingest: ingest, metrics: m, client: client}
}

func (f *fixture) send(t *testing.T, body string) {
	t.Helper()
	_, err := f.client.Write([]byte(body))
	require.NoError(t, err)
}

func (f *fixture) read(t *testing.T) protocol.Response {
	t.Helper()
	require.NoError(t, f.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, err := f.client.Read(buf)
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(buf[:n], &resp))
	return resp
}

func (f *fixture) pop(t *testing.T) pipeline.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := f.ingest.Pop(ctx)
	require.NoError(t, err)
	return env
}

func TestListener_QueuesValidRequestAndRepliesThroughOrigin(t *testing.T) {
	f := newFixture(t, 8)
	f.send(t, `{"client_id":"c1","symbol":"aapl","side":"SELL","order_type":"LIMIT","quantity":100,"price":"150.00"}`)

	env := f.pop(t)
	assert.Equal(t, "AAPL", env.Order.Symbol)
	assert.Equal(t, uint64(1), env.Order.Seq)
	assert.Equal(t, int64(100), env.Order.Quantity)
	assert.True(t, strings.HasPrefix(env.Origin.String(), "udp://127.0.0.1:"))

	require.NoError(t, env.Origin.Deliver(context.Background(), domain.Result{
		OrderID:   env.Order.ID,
		Type:      domain.OrderTypeLimit,
		Success:   true,
		Status:    domain.OrderStatusNew,
		Message:   "order accepted",
		Remaining: 100,
		Timestamp: time.Now(),
	}))

	resp := f.read(t)
	assert.Equal(t, env.Order.ID, resp.OrderID)
	assert.True(t, resp.Success)
	assert.Equal(t, "order accepted", resp.Message)
	assert.Empty(t, resp.Trades)
	require.NotNil(t, resp.Remaining)
	assert.Equal(t, int64(100), *resp.Remaining)
}

func TestListener_RejectsImmediately(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"malformed json", `{"client_id":`, "rejected: invalid body"},
		{"missing price", `{"client_id":"c1","symbol":"AAPL","side":"BUY","order_type":"LIMIT","quantity":5}`, "rejected: invalid price"},
		{"bad side", `{"client_id":"c1","symbol":"AAPL","side":"HOLD","order_type":"LIMIT","quantity":5,"price":"1"}`, "rejected: invalid side"},
		{"cancel without id", `{"client_id":"c1","symbol":"AAPL","order_type":"CANCEL"}`, "rejected: invalid order_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 8)
			f.send(t, tt.body)
			resp := f.read(t)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Message, tt.message)
			assert.Empty(t, resp.Trades)
			assert.Zero(t, f.ingest.Len())
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.OrdersRejected.WithLabelValues(metrics.ReasonValidation)))
		})
	}
}

func TestListener_OversizeDatagram(t *testing.T) {
	f := newFixture(t, 8)
	f.send(t, `{"client_id":"`+strings.Repeat("x", 600)+`"}`)
	resp := f.read(t)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "exceeds 512 bytes")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DatagramsDropped.WithLabelValues("oversize")))
}

func TestListener_QueueFullAnswersBusy(t *testing.T) {
	f := newFixture(t, 1)
	order := `{"client_id":"c1","symbol":"AAPL","side":"BUY","order_type":"MARKET","quantity":5}`
	f.send(t, order)
	require.Eventually(t, func() bool { return f.ingest.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.send(t, order)
	resp := f.read(t)
	assert.False(t, resp.Success)
	assert.Equal(t, "rejected: server busy, try again", resp.Message)
	assert.NotEmpty(t, resp.OrderID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.OrdersRejected.WithLabelValues(metrics.ReasonQueueFull)))
}

func TestListener_EndToEndMatch(t *testing.T) {
	f := newFixture(t, 64)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	responses := pipeline.NewQueue[pipeline.Reply]("responses", 64, pipeline.OverflowBlock)
	registry := pipeline.NewRegistry(func(s string) *engine.Book { return engine.NewBook(s) })
	coord := pipeline.NewCoordinator(pipeline.CoordinatorConfig{Lanes: 2, DrainTimeout: time.Second},
		f.ingest, responses, registry, pipeline.NewFanout(f.metrics), nil, f.metrics, logger)
	responder := pipeline.NewResponder(responses, time.Second, time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	coordDone := make(chan error, 1)
	respDone := make(chan error, 1)
	go func() { coordDone <- coord.Run(ctx) }()
	go func() { respDone <- responder.Run(ctx) }()
	defer func() {
		cancel()
		f.ingest.Close()
		<-coordDone
		<-respDone
	}()

	f.send(t, `{"client_id":"s","symbol":"AAPL","side":"SELL","order_type":"LIMIT","quantity":100,"price":"150.00"}`)
	sell := f.read(t)
	require.True(t, sell.Success)
	assert.Equal(t, "order accepted", sell.Message)

	f.send(t, `{"client_id":"b","symbol":"AAPL","side":"BUY","order_type":"LIMIT","quantity":50,"price":"151.00"}`)
	buy := f.read(t)
	require.True(t, buy.Success)
	require.Len(t, buy.Trades, 1)
	assert.Equal(t, int64(50), buy.Trades[0].Quantity)
	assert.True(t, decimal.RequireFromString(buy.Trades[0].Price.String()).Equal(decimal.NewFromInt(150)),
		"trade executes at the resting price, got %s", buy.Trades[0].Price)
}
