package engine

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// entry is a resting order's slot in its price level's FIFO.
type entry struct {
	order      *domain.Order
	level      *priceLevel
	prev, next *entry
}

// priceLevel holds all resting orders at one price in arrival order.
type priceLevel struct {
	price    decimal.Decimal
	head     *entry
	tail     *entry
	quantity int64
	count    int
}

func (l *priceLevel) enqueue(e *entry) {
	e.level = l
	if l.head == nil {
		l.head = e
		l.tail = e
	} else {
		l.tail.next = e
		e.prev = l.tail
		l.tail = e
	}
	l.quantity += e.order.Remaining
	l.count++
}

func (l *priceLevel) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	l.quantity -= e.order.Remaining
	l.count--
	e.prev, e.next, e.level = nil, nil, nil
}

func (l *priceLevel) empty() bool {
	return l.head == nil
}

// bookSide is one side of a book. Levels are kept in priority order so the
// tree minimum is always the best price: highest first for bids, lowest
// first for asks.
type bookSide struct {
	side   domain.Side
	levels *btree.BTreeG[*priceLevel]
}

const btreeDegree = 32

func newBookSide(side domain.Side) *bookSide {
	less := func(a, b *priceLevel) bool { return a.price.LessThan(b.price) }
	if side == domain.SideBuy {
		less = func(a, b *priceLevel) bool { return a.price.GreaterThan(b.price) }
	}
	return &bookSide{side: side, levels: btree.NewG(btreeDegree, less)}
}

func (s *bookSide) best() (*priceLevel, bool) {
	return s.levels.Min()
}

func (s *bookSide) level(price decimal.Decimal) (*priceLevel, bool) {
	return s.levels.Get(&priceLevel{price: price})
}

// insert appends e to the level at its order's price, creating the level
// when needed.
func (s *bookSide) insert(e *entry) {
	lvl, ok := s.level(e.order.Price)
	if !ok {
		lvl = &priceLevel{price: e.order.Price}
		s.levels.ReplaceOrInsert(lvl)
	}
	lvl.enqueue(e)
}

// remove unlinks e and drops its level once empty.
func (s *bookSide) remove(e *entry) {
	lvl := e.level
	lvl.unlink(e)
	if lvl.empty() {
		s.levels.Delete(lvl)
	}
}

// walk visits levels best first until fn returns false.
func (s *bookSide) walk(fn func(*priceLevel) bool) {
	s.levels.Ascend(func(l *priceLevel) bool { return fn(l) })
}

func (s *bookSide) depth() int {
	return s.levels.Len()
}

// marketable reports whether an incoming order at limit may trade against
// a resting level priced at resting.
func marketable(incoming domain.Side, limit, resting decimal.Decimal) bool {
	if incoming == domain.SideBuy {
		return limit.GreaterThanOrEqual(resting)
	}
	return limit.LessThanOrEqual(resting)
}
