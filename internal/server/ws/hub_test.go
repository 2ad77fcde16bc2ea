package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/matchbook/internal/bus/memory"
)

func startHub(t *testing.T) (*memory.Bus, *httptest.Server) {
	t.Helper()
	bus := memory.New()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "server"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return bus, srv
}

func dial(t *testing.T, srv *httptest.Server, format string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?format=" + format
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var status map[string]any
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, "server", status["mode"])
	return conn
}

func TestHub_BinaryFrames(t *testing.T) {
	bus, srv := startHub(t)
	conn := dial(t, srv, FormatBinary)

	require.NoError(t, bus.Publish(context.Background(), "book:AAPL", []byte(`{"type":"book","symbol":"AAPL","last_seq":3}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)

	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &st))
	assert.Equal(t, "book", st.GetFields()["type"].GetStringValue())
	assert.Equal(t, "AAPL", st.GetFields()["symbol"].GetStringValue())
	assert.Equal(t, float64(3), st.GetFields()["last_seq"].GetNumberValue())
}

func TestHub_JSONFrames(t *testing.T) {
	bus, srv := startHub(t)
	conn := dial(t, srv, FormatJSON)

	payload := `{"type":"trade","trade_id":"t1","symbol":"MSFT"}`
	require.NoError(t, bus.Publish(context.Background(), "trades", []byte(payload)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.JSONEq(t, payload, string(data))
}

func TestEncode_BookChannelFromPayload(t *testing.T) {
	ev, err := encode("book:*", []byte(`{"type":"book","symbol":"TSLA"}`))
	require.NoError(t, err)
	assert.Equal(t, "book:TSLA", ev.channel)

	ev, err = encode("trades", []byte(`{"type":"trade","symbol":"TSLA"}`))
	require.NoError(t, err)
	assert.Equal(t, "trades", ev.channel)

	_, err = encode("trades", []byte(`not json`))
	require.Error(t, err)
}

func TestClient_Subscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{"trades": true, "orders": true, "book:*": true}}
	assert.True(t, c.isSubscribed("book:AAPL"))

	c.handleSubscription(subscribeMsg{Action: "reset", Channels: []string{"book:AAPL"}})
	assert.True(t, c.isSubscribed("book:AAPL"))
	assert.False(t, c.isSubscribed("book:MSFT"))
	assert.False(t, c.isSubscribed("trades"))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{"trades"}})
	assert.True(t, c.isSubscribed("trades"))
	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{"trades"}})
	assert.False(t, c.isSubscribed("trades"))
}
