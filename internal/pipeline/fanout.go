package pipeline

import (
	"sync"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/metrics"
)

// Fanout copies each execution to every subscriber without ever blocking
// the publisher. A subscriber whose buffer is full misses the execution
// and the drop is counted.
type Fanout struct {
	mu      sync.RWMutex
	subs    []fanoutSub
	closed  bool
	metrics *metrics.Metrics
}

type fanoutSub struct {
	name string
	ch   chan domain.Execution
}

// NewFanout returns a fan-out with no subscribers.
func NewFanout(m *metrics.Metrics) *Fanout {
	return &Fanout{metrics: m}
}

// Subscribe registers a named consumer. The channel is closed by Close.
func (f *Fanout) Subscribe(name string, buffer int) <-chan domain.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan domain.Execution, buffer)
	if f.closed {
		close(ch)
		return ch
	}
	f.subs = append(f.subs, fanoutSub{name: name, ch: ch})
	return ch
}

// Publish offers exec to every subscriber.
func (f *Fanout) Publish(exec domain.Execution) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, s := range f.subs {
		select {
		case s.ch <- exec:
		default:
			f.metrics.FanoutDropped.WithLabelValues(s.name).Inc()
		}
	}
}

// Close closes every subscriber channel.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, s := range f.subs {
		close(s.ch)
	}
}
