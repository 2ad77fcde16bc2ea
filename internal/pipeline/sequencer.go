package pipeline

import "sync/atomic"

// Sequencer hands out strictly increasing sequence numbers. One counter
// serves every symbol; books only compare numbers within a symbol.
type Sequencer struct {
	last atomic.Uint64
}

// NewSequencer starts counting after start.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued number.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}
