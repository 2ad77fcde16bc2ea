package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

func TestQueue_RejectWhenFull(t *testing.T) {
	var overflows atomic.Int32
	q := NewQueue[int]("test", 2, OverflowReject, WithOverflowHook[int](func() { overflows.Add(1) }))
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, 1))
	require.NoError(t, q.Push(ctx, 2))
	err := q.Push(ctx, 3)
	require.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, int32(1), overflows.Load())
	assert.Equal(t, 2, q.Len())

	v, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, q.Push(ctx, 3))
}

func TestQueue_BlockUntilSpace(t *testing.T) {
	q := NewQueue[int]("test", 1, OverflowBlock)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, 1))

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(ctx, 2) }()

	select {
	case <-pushed:
		t.Fatal("push should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, <-pushed)
}

func TestQueue_BlockedPushHonoursContext(t *testing.T) {
	var overflows atomic.Int32
	q := NewQueue[int]("test", 1, OverflowBlock, WithOverflowHook[int](func() { overflows.Add(1) }))
	require.NoError(t, q.Push(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Push(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), overflows.Load())
}

func TestQueue_CloseDrainsThenReportsClosed(t *testing.T) {
	q := NewQueue[string]("test", 4, OverflowReject)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Push(ctx, "c"), domain.ErrQueueClosed)
	assert.True(t, q.Closed())

	v, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	v, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	_, err = q.Pop(ctx)
	require.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestQueue_CloseWakesBlockedPop(t *testing.T) {
	q := NewQueue[int]("test", 1, OverflowBlock)
	got := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		got <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-got:
		require.ErrorIs(t, err, domain.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("pop not woken by close")
	}
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue[int]("test", 8, OverflowReject)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(context.Background(), i))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, q.Drain())
	assert.Empty(t, q.Drain())
	assert.Equal(t, 8, q.Cap())
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("block")
	require.NoError(t, err)
	assert.Equal(t, OverflowBlock, p)
	_, err = ParseOverflowPolicy("drop")
	require.Error(t, err)
}

func TestIngestQueue_SequenceMatchesQueueOrder(t *testing.T) {
	q := NewIngestQueue(NewSequencer(0), NewQueue[Envelope]("ingest", 10_000, OverflowBlock))
	ctx := context.Background()

	const producers, each = 8, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := q.Submit(ctx, Envelope{Order: domain.Order{Symbol: "AAPL"}})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	q.Close()

	var last uint64
	count := 0
	for {
		env, err := q.Pop(ctx)
		if err != nil {
			require.ErrorIs(t, err, domain.ErrQueueClosed)
			break
		}
		require.Greater(t, env.Order.Seq, last)
		last = env.Order.Seq
		count++
	}
	assert.Equal(t, producers*each, count)
	assert.Equal(t, uint64(producers*each), last)
}

func TestIngestQueue_RejectedPushSkipsSequence(t *testing.T) {
	seq := NewSequencer(0)
	q := NewIngestQueue(seq, NewQueue[Envelope]("ingest", 1, OverflowReject))
	ctx := context.Background()

	s1, err := q.Submit(ctx, Envelope{})
	require.NoError(t, err)
	_, err = q.Submit(ctx, Envelope{})
	require.ErrorIs(t, err, domain.ErrQueueFull)

	_, err = q.Pop(ctx)
	require.NoError(t, err)
	s3, err := q.Submit(ctx, Envelope{})
	require.NoError(t, err)
	assert.Greater(t, s3, s1+1)
	assert.Equal(t, s3, seq.Current())
}
