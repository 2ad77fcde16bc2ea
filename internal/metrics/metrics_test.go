package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.OrdersRejected.WithLabelValues(ReasonQueueFull).Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.OrdersRejected.WithLabelValues(ReasonQueueFull)))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.OrdersRejected.WithLabelValues(ReasonQueueFull)))
}

func TestMetrics_HandlerExposesQueueLength(t *testing.T) {
	m := New()
	m.TrackQueue("ingest", func() int { return 7 })
	m.TradesExecuted.WithLabelValues("AAPL").Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `matchbook_queue_length{queue="ingest"} 7`)
	assert.Contains(t, body, `matchbook_trades_executed_total{symbol="AAPL"} 3`)
}
