package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/engine"
)

// Handle is the only way to reach a symbol's book. Every access holds the
// handle's lock, and a book that violated an invariant stays halted.
type Handle struct {
	symbol string
	mu     sync.Mutex
	book   *engine.Book
	halted error
}

// Symbol returns the handle's symbol.
func (h *Handle) Symbol() string { return h.symbol }

// Submit runs one order against the book. Panics are turned into an
// *engine.InvariantError and halt the book.
func (h *Handle) Submit(o domain.Order) (fill engine.Fill, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.halted != nil {
		return engine.Fill{Order: o}, fmt.Errorf("pipeline: %s: %w", h.symbol, domain.ErrBookHalted)
	}

	defer func() {
		if r := recover(); r != nil {
			fill = engine.Fill{Order: o}
			err = &engine.InvariantError{Symbol: h.symbol, Detail: fmt.Sprintf("panic: %v", r)}
			h.halted = err
		}
	}()

	fill, err = h.book.Submit(o)
	if errors.Is(err, domain.ErrInvariantViolation) {
		h.halted = err
	}
	return fill, err
}

// Halted returns the error that halted the book, or nil.
func (h *Handle) Halted() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.halted
}

// Snapshot returns the aggregated book up to depth levels per side.
func (h *Handle) Snapshot(depth int) domain.BookSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.book.Snapshot(depth)
}

// Stats returns book counters.
func (h *Handle) Stats() domain.BookStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.book.Stats()
	st.Halted = h.halted != nil
	return st
}

// RestingByClient lists a client's resting orders.
func (h *Handle) RestingByClient(clientID string) []domain.Order {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.book.RestingByClient(clientID)
}

// Registry owns one Handle per symbol, created on first reference.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	newBook func(symbol string) *engine.Book
}

// NewRegistry creates books with newBook.
func NewRegistry(newBook func(symbol string) *engine.Book) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		newBook: newBook,
	}
}

// Get returns the handle for symbol if the book exists.
func (r *Registry) Get(symbol string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[symbol]
	return h, ok
}

// GetOrCreate returns the handle for symbol, creating the book exactly once
// under concurrent callers. The second return value reports creation.
func (r *Registry) GetOrCreate(symbol string) (*Handle, bool) {
	if h, ok := r.Get(symbol); ok {
		return h, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[symbol]; ok {
		return h, false
	}
	h := &Handle{symbol: symbol, book: r.newBook(symbol)}
	r.handles[symbol] = h
	return h, true
}

// Symbols lists known symbols in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handles))
	for s := range r.handles {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of books.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
