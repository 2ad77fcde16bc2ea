package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case p := <-ch:
		return string(p)
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return ""
	}
}

func TestBus_PublishExactAndPattern(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trades, err := b.Subscribe(ctx, "trades")
	require.NoError(t, err)
	books, err := b.Subscribe(ctx, "book:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "book:AAPL", []byte("a")))
	require.NoError(t, b.Publish(ctx, "trades", []byte("t")))

	assert.Equal(t, "a", recv(t, books))
	assert.Equal(t, "t", recv(t, trades))
	assert.Empty(t, books)
}

func TestBus_SubscriptionClosesWithContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "orders")
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), "orders", []byte("x")))
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx, "trades")
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, b.Publish(ctx, "trades", []byte("x")))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBus_InvalidPattern(t *testing.T) {
	_, err := New().Subscribe(context.Background(), "book:[")
	require.Error(t, err)
}

func TestBus_Streams(t *testing.T) {
	b := New()
	b.maxLen = 3
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.StreamAppend(ctx, "executions", []byte(fmt.Sprint(i))))
	}

	all, err := b.StreamRead(ctx, "executions", "0", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3-0", all[0].ID)
	assert.Equal(t, "5", string(all[2].Payload))

	after, err := b.StreamRead(ctx, "executions", "3-0", 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "4", string(after[0].Payload))

	none, err := b.StreamRead(ctx, "missing", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = b.StreamRead(ctx, "executions", "abc", 1)
	require.Error(t, err)
}
