package engine

import (
	"fmt"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// drawOrder generates a LIMIT, MARKET or CANCEL order. Prices sit on a
// small grid around 100 with two decimal places so levels collide often.
func drawOrder(t *rapid.T, f *feeder, live []string) domain.Order {
	kind := rapid.IntRange(0, 9).Draw(t, "kind")
	side := rapid.SampledFrom([]domain.Side{domain.SideBuy, domain.SideSell}).Draw(t, "side")
	qty := rapid.Int64Range(1, 50).Draw(t, "qty")
	switch {
	case kind < 6:
		ticks := rapid.Int64Range(9900, 10100).Draw(t, "ticks")
		return f.limit(side, qty, decimal.New(ticks, -2).String())
	case kind < 8:
		return f.market(side, qty)
	default:
		if len(live) > 0 && rapid.Bool().Draw(t, "cancelLive") {
			return f.cancel(rapid.SampledFrom(live).Draw(t, "target"))
		}
		return f.cancel(fmt.Sprintf("unknown-%d", f.seq))
	}
}

func TestProperty_BookInvariantsHold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBook("AAPL")
		f := newFeeder("AAPL")
		original := map[string]int64{}
		traded := map[string]int64{}
		var live []string

		n := rapid.IntRange(1, 200).Draw(t, "n")
		for i := 0; i < n; i++ {
			o := drawOrder(t, f, live)
			if o.Type != domain.OrderTypeCancel {
				original[o.ID] = o.Quantity
			}

			fill, err := b.Submit(o)
			if err != nil && err != domain.ErrNoLiquidity && err != domain.ErrCancelNotFound {
				t.Fatalf("submit %s: %v", o.ID, err)
			}

			for _, tr := range fill.Trades {
				if tr.Quantity <= 0 {
					t.Fatalf("non-positive trade quantity %d", tr.Quantity)
				}
				traded[tr.RestingOrderID] += tr.Quantity
				traded[tr.AggressorOrderID] += tr.Quantity
			}

			// Conservation for the incoming order.
			if o.Type != domain.OrderTypeCancel {
				var sum int64
				for _, tr := range fill.Trades {
					sum += tr.Quantity
				}
				if sum != o.Quantity-fill.Order.Remaining {
					t.Fatalf("order %s traded %d but remaining moved by %d", o.ID, sum, o.Quantity-fill.Order.Remaining)
				}
			}

			if err := b.Verify(); err != nil {
				t.Fatalf("after %s: %v", o.ID, err)
			}

			live = live[:0]
			for id := range b.index {
				live = append(live, id)
			}
			sort.Strings(live)
		}

		for id, q := range traded {
			if q > original[id] {
				t.Fatalf("order %s traded %d of %d", id, q, original[id])
			}
		}
	})
}

func TestProperty_SamePriceFillsInArrivalOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBook("AAPL")
		f := newFeeder("AAPL")

		k := rapid.IntRange(2, 20).Draw(t, "resting")
		var ids []string
		var total int64
		for i := 0; i < k; i++ {
			o := f.limit(domain.SideSell, rapid.Int64Range(1, 30).Draw(t, "qty"), "42.5")
			ids = append(ids, o.ID)
			total += o.Quantity
			if _, err := b.Submit(o); err != nil {
				t.Fatalf("rest: %v", err)
			}
		}

		take := rapid.Int64Range(1, total).Draw(t, "take")
		fill, err := b.Submit(f.limit(domain.SideBuy, take, "42.5"))
		if err != nil {
			t.Fatalf("aggress: %v", err)
		}
		for i, tr := range fill.Trades {
			if tr.RestingOrderID != ids[i] {
				t.Fatalf("trade %d hit %s, want %s", i, tr.RestingOrderID, ids[i])
			}
		}
	})
}

func TestProperty_BetterPriceFirst(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBook("AAPL")
		f := newFeeder("AAPL")

		k := rapid.IntRange(2, 20).Draw(t, "resting")
		for i := 0; i < k; i++ {
			ticks := rapid.Int64Range(100, 200).Draw(t, "ticks")
			if _, err := b.Submit(f.limit(domain.SideBuy, 5, decimal.New(ticks, -1).String())); err != nil {
				t.Fatalf("rest: %v", err)
			}
		}

		fill, _ := b.Submit(f.market(domain.SideSell, rapid.Int64Range(1, int64(5*k)).Draw(t, "take")))
		for i := 1; i < len(fill.Trades); i++ {
			if fill.Trades[i].Price.GreaterThan(fill.Trades[i-1].Price) {
				t.Fatalf("trade %d at %s after %s", i, fill.Trades[i].Price, fill.Trades[i-1].Price)
			}
		}
	})
}

func TestProperty_CancelledOrdersNeverTrade(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBook("AAPL")
		f := newFeeder("AAPL")

		victim := f.limit(domain.SideSell, rapid.Int64Range(1, 100).Draw(t, "qty"), "10")
		if _, err := b.Submit(victim); err != nil {
			t.Fatalf("rest: %v", err)
		}
		if _, err := b.Submit(f.cancel(victim.ID)); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if _, err := b.Submit(f.cancel(victim.ID)); err != domain.ErrCancelNotFound {
			t.Fatalf("repeat cancel: got %v", err)
		}
		if _, ok := b.Order(victim.ID); ok {
			t.Fatalf("cancelled order still indexed")
		}

		fill, _ := b.Submit(f.market(domain.SideBuy, rapid.Int64Range(1, 100).Draw(t, "take")))
		for _, tr := range fill.Trades {
			if tr.RestingOrderID == victim.ID {
				t.Fatalf("cancelled order %s traded", victim.ID)
			}
		}
	})
}
