package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

func openTemp(t *testing.T) *Outbox {
	t.Helper()
	o, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func entry(seq uint64) domain.OutboxEntry {
	return domain.OutboxEntry{Seq: seq, Symbol: "AAPL", Payload: []byte(fmt.Sprintf(`{"seq":%d}`, seq))}
}

func TestOutbox_PendingInSequenceOrder(t *testing.T) {
	o := openTemp(t)
	ctx := context.Background()
	// 10 sorts before 9 as text; the padded key must keep numeric order.
	require.NoError(t, o.Append(ctx, []domain.OutboxEntry{entry(10), entry(9), entry(1)}))

	got, err := o.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{1, 9, 10}, []uint64{got[0].Seq, got[1].Seq, got[2].Seq})
	assert.Equal(t, "AAPL", got[0].Symbol)
	assert.Equal(t, entry(1).Payload, got[0].Payload)

	limited, err := o.Pending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestOutbox_StateTransitions(t *testing.T) {
	o := openTemp(t)
	ctx := context.Background()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return fixed }
	require.NoError(t, o.Append(ctx, []domain.OutboxEntry{entry(1), entry(2), entry(3)}))

	require.NoError(t, o.UpdateState(ctx, 1, domain.OutboxSent, 1))
	require.NoError(t, o.UpdateState(ctx, 2, domain.OutboxFailed, 5))

	e, err := o.Get(1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxSent, e.State)
	assert.Equal(t, uint32(1), e.Attempts)
	assert.True(t, fixed.Equal(e.LastAttempt))

	pending, err := o.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(1), pending[0].Seq)
	assert.Equal(t, uint64(3), pending[1].Seq)

	failed, err := o.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, uint64(2), failed[0].Seq)

	require.NoError(t, o.Delete(ctx, []uint64{1, 3}))
	pending, err = o.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = o.Get(3)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, o.UpdateState(ctx, 3, domain.OutboxSent, 1), domain.ErrNotFound)
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	o, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, o.Append(ctx, []domain.OutboxEntry{entry(4)}))
	require.NoError(t, o.UpdateState(ctx, 4, domain.OutboxSent, 1))
	require.NoError(t, o.Close())

	o, err = Open(dir)
	require.NoError(t, err)
	defer o.Close()
	pending, err := o.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OutboxSent, pending[0].State)
	assert.Equal(t, uint32(1), pending[0].Attempts)
}

func TestEncodeDecode_EmptySymbolAndPayload(t *testing.T) {
	e, err := decodeEntry(7, encodeEntry(domain.OutboxEntry{Seq: 7, State: domain.OutboxNew}))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), e.Seq)
	assert.Empty(t, e.Symbol)
	assert.Empty(t, e.Payload)
	assert.True(t, e.LastAttempt.IsZero())

	_, err = decodeEntry(1, []byte{1, 2})
	require.Error(t, err)
}

func TestOutbox_RestartKeepsEarlierEntries(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	o, err := Open(dir)
	require.NoError(t, err)
	assert.Zero(t, o.LastSeq())
	require.NoError(t, o.Append(ctx, []domain.OutboxEntry{
		{Seq: 1, Symbol: "AAPL", Payload: []byte("first-run")},
	}))
	require.NoError(t, o.Close())

	o, err = Open(dir)
	require.NoError(t, err)
	defer o.Close()
	require.Equal(t, uint64(1), o.LastSeq())

	// The next process numbers its executions after the journal's last seq.
	next := o.LastSeq() + 1
	require.NoError(t, o.Append(ctx, []domain.OutboxEntry{
		{Seq: next, Symbol: "MSFT", Payload: []byte("second-run")},
	}))

	pending, err := o.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first-run", string(pending[0].Payload))
	assert.Equal(t, "second-run", string(pending[1].Payload))
}

func TestOutbox_LastSeqOutlivesDeletedEntries(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	o, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, o.Append(ctx, []domain.OutboxEntry{entry(7), entry(3)}))
	assert.Equal(t, uint64(7), o.LastSeq())
	require.NoError(t, o.Delete(ctx, []uint64{3, 7}))
	require.NoError(t, o.Close())

	o, err = Open(dir)
	require.NoError(t, err)
	defer o.Close()
	assert.Equal(t, uint64(7), o.LastSeq())

	pending, err := o.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
