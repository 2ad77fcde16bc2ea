// Package journal keeps execution events in a local pebble store until the
// broadcaster has published them.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

const (
	keyPrefix  = "outbox/"
	lastSeqKey = "meta/last_seq"
)

// Outbox implements domain.Outbox on pebble. Keys are zero-padded sequence
// numbers, so iteration order is sequence order. The highest sequence ever
// appended is kept under its own key so it survives deletion of acked
// entries.
type Outbox struct {
	db  *pebble.DB
	now func() time.Time

	mu      sync.Mutex
	lastSeq uint64
}

// Open opens or creates the journal in dir.
func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dir, err)
	}
	o := &Outbox{db: db, now: time.Now}
	if o.lastSeq, err = o.loadLastSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

// LastSeq returns the highest sequence number ever appended. A restarted
// process seeds its sequencer from it so new entries never reuse a key.
func (o *Outbox) LastSeq() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSeq
}

func (o *Outbox) loadLastSeq() (uint64, error) {
	var last uint64
	val, closer, err := o.db.Get([]byte(lastSeqKey))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("journal: read last seq: %w", err)
	default:
		if len(val) == 8 {
			last = binary.BigEndian.Uint64(val)
		}
		closer.Close()
	}

	// Journals written before the marker existed only have their keys.
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return 0, fmt.Errorf("journal: iterate: %w", err)
	}
	defer iter.Close()
	if iter.Last() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return 0, err
		}
		last = max(last, seq)
	}
	return last, iter.Error()
}

// Close flushes and closes the store.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Append stores entries in one synced batch.
func (o *Outbox) Append(_ context.Context, entries []domain.OutboxEntry) error {
	if len(entries) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	b := o.db.NewBatch()
	defer b.Close()
	last := o.lastSeq
	for _, e := range entries {
		if err := b.Set(keyFor(e.Seq), encodeEntry(e), nil); err != nil {
			return fmt.Errorf("journal: append %d: %w", e.Seq, err)
		}
		last = max(last, e.Seq)
	}
	if last != o.lastSeq {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], last)
		if err := b.Set([]byte(lastSeqKey), buf[:], nil); err != nil {
			return fmt.Errorf("journal: append last seq: %w", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("journal: commit append: %w", err)
	}
	o.lastSeq = last
	return nil
}

// Pending returns up to limit NEW or SENT entries in sequence order. SENT
// entries are included because a crash may have interrupted their
// publication.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	var out []domain.OutboxEntry
	err := o.scan(ctx, func(e domain.OutboxEntry) bool {
		if e.State == domain.OutboxNew || e.State == domain.OutboxSent {
			out = append(out, e)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// Failed returns entries parked after exhausting their attempts.
func (o *Outbox) Failed(ctx context.Context) ([]domain.OutboxEntry, error) {
	var out []domain.OutboxEntry
	err := o.scan(ctx, func(e domain.OutboxEntry) bool {
		if e.State == domain.OutboxFailed {
			out = append(out, e)
		}
		return true
	})
	return out, err
}

// Get returns a single entry.
func (o *Outbox) Get(seq uint64) (domain.OutboxEntry, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.OutboxEntry{}, fmt.Errorf("journal: entry %d: %w", seq, domain.ErrNotFound)
	}
	if err != nil {
		return domain.OutboxEntry{}, fmt.Errorf("journal: get %d: %w", seq, err)
	}
	defer closer.Close()
	return decodeEntry(seq, val)
}

// UpdateState rewrites the delivery state of an entry.
func (o *Outbox) UpdateState(_ context.Context, seq uint64, state domain.OutboxState, attempts uint32) error {
	e, err := o.Get(seq)
	if err != nil {
		return err
	}
	e.State = state
	e.Attempts = attempts
	e.LastAttempt = o.now()
	if err := o.db.Set(keyFor(seq), encodeEntry(e), pebble.Sync); err != nil {
		return fmt.Errorf("journal: update %d: %w", seq, err)
	}
	return nil
}

// Delete removes acknowledged entries.
func (o *Outbox) Delete(_ context.Context, seqs []uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	b := o.db.NewBatch()
	defer b.Close()
	for _, seq := range seqs {
		if err := b.Delete(keyFor(seq), nil); err != nil {
			return fmt.Errorf("journal: delete %d: %w", seq, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("journal: commit delete: %w", err)
	}
	return nil
}

// scan visits entries in sequence order until fn returns false.
func (o *Outbox) scan(ctx context.Context, fn func(domain.OutboxEntry) bool) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return fmt.Errorf("journal: iterate: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		e, err := decodeEntry(seq, iter.Value())
		if err != nil {
			return err
		}
		if !fn(e) {
			break
		}
	}
	return iter.Error()
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(k []byte) (uint64, error) {
	seq, err := strconv.ParseUint(string(bytes.TrimPrefix(k, []byte(keyPrefix))), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: bad key %q: %w", k, err)
	}
	return seq, nil
}

// Value layout: [state:1][attempts:4][lastAttempt:8][symbolLen:2][symbol][payload].
const headerLen = 1 + 4 + 8 + 2

func encodeEntry(e domain.OutboxEntry) []byte {
	buf := make([]byte, headerLen+len(e.Symbol)+len(e.Payload))
	buf[0] = byte(e.State)
	binary.BigEndian.PutUint32(buf[1:5], e.Attempts)
	var last int64
	if !e.LastAttempt.IsZero() {
		last = e.LastAttempt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[5:13], uint64(last))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(e.Symbol)))
	n := copy(buf[headerLen:], e.Symbol)
	copy(buf[headerLen+n:], e.Payload)
	return buf
}

func decodeEntry(seq uint64, b []byte) (domain.OutboxEntry, error) {
	if len(b) < headerLen {
		return domain.OutboxEntry{}, fmt.Errorf("journal: entry %d: record too short", seq)
	}
	symLen := int(binary.BigEndian.Uint16(b[13:15]))
	if len(b) < headerLen+symLen {
		return domain.OutboxEntry{}, fmt.Errorf("journal: entry %d: truncated symbol", seq)
	}
	e := domain.OutboxEntry{
		Seq:      seq,
		State:    domain.OutboxState(b[0]),
		Attempts: binary.BigEndian.Uint32(b[1:5]),
		Symbol:   string(b[headerLen : headerLen+symLen]),
		// Values returned by pebble are only valid until the iterator moves.
		Payload: append([]byte(nil), b[headerLen+symLen:]...),
	}
	if last := int64(binary.BigEndian.Uint64(b[5:13])); last != 0 {
		e.LastAttempt = time.Unix(0, last)
	}
	return e, nil
}
