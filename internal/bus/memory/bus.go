// Package memory provides an in-process SignalBus for deployments that run
// without Redis.
package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

const (
	subscriberBuffer = 128
	streamMaxLen     = 10000
)

type subscriber struct {
	pattern string
	ch      chan []byte
}

type stream struct {
	nextID uint64
	msgs   []domain.StreamMessage
}

// Bus implements domain.SignalBus with the same channel and stream
// semantics as the Redis implementation. Slow subscribers lose messages
// instead of blocking publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	streams map[string]*stream
	maxLen  int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[*subscriber]struct{}),
		streams: make(map[string]*stream),
		maxLen:  streamMaxLen,
	}
}

// Publish delivers payload to every subscriber whose channel or pattern
// matches.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !matches(s.pattern, channel) {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns payloads published to channel, which may be a glob
// pattern. The returned channel is closed when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	s := &subscriber{pattern: channel, ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

func matches(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	ok, _ := path.Match(pattern, channel)
	return ok
}

// StreamAppend adds payload to stream, dropping the oldest entries beyond
// the length cap.
func (b *Bus) StreamAppend(_ context.Context, name string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[name]
	if !ok {
		st = &stream{}
		b.streams[name] = st
	}
	st.nextID++
	st.msgs = append(st.msgs, domain.StreamMessage{
		ID:      strconv.FormatUint(st.nextID, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if over := len(st.msgs) - b.maxLen; over > 0 {
		st.msgs = append(st.msgs[:0:0], st.msgs[over:]...)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start). A count of zero or less returns everything available.
func (b *Bus) StreamRead(_ context.Context, name string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseID(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", name, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.streams[name]
	if !ok {
		return nil, nil
	}

	var out []domain.StreamMessage
	for _, m := range st.msgs {
		id, _ := parseID(m.ID)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func parseID(id string) (uint64, error) {
	ms, _, _ := strings.Cut(id, "-")
	if ms == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad stream id %q", id)
	}
	return n, nil
}

var _ domain.SignalBus = (*Bus)(nil)
