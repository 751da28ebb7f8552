// Package book holds the resting price levels of a single instrument.
//
// A Book is a plain data structure: it does no locking of its own. Callers
// that share a Book between goroutines guard each side externally.
package book

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

// Sentinel errors returned by Apply.
var (
	ErrNegativeSize = errors.New("negative level size")
	ErrUnknownSide  = errors.New("unknown book side")
)

// Side selects one half of the book.
type Side uint8

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Valid reports whether s is Bid or Ask.
func (s Side) Valid() bool {
	return s == Bid || s == Ask
}

// Level is a resting size at a price tick. A stored level never has Size 0.
type Level struct {
	Price int64
	Size  int64
}

// btreeDegree matches the degree the matching engine tuned its trees with.
const btreeDegree = 32

// Ladder is one side of the book, iterated best price first: descending for
// bids, ascending for asks.
type Ladder struct {
	side Side
	tree *btree.BTreeG[Level]
}

func newLadder(side Side) *Ladder {
	less := func(a, b Level) bool { return a.Price < b.Price }
	if side == Bid {
		less = func(a, b Level) bool { return a.Price > b.Price }
	}
	return &Ladder{side: side, tree: btree.NewG[Level](btreeDegree, less)}
}

func (l *Ladder) set(price, size int64) {
	if size == 0 {
		l.tree.Delete(Level{Price: price})
		return
	}
	l.tree.ReplaceOrInsert(Level{Price: price, Size: size})
}

// Side reports which half of the book l holds.
func (l *Ladder) Side() Side { return l.side }

// Len returns the number of resting levels.
func (l *Ladder) Len() int { return l.tree.Len() }

// Best returns the first level in iteration order.
func (l *Ladder) Best() (Level, bool) {
	return l.tree.Min()
}

// Size returns the resting size at price, or 0 when the level is absent.
func (l *Ladder) Size(price int64) int64 {
	lvl, ok := l.tree.Get(Level{Price: price})
	if !ok {
		return 0
	}
	return lvl.Size
}

// TopNSum sums the sizes of the first n levels. With fewer than n levels it
// sums what is there.
func (l *Ladder) TopNSum(n int) int64 {
	var sum int64
	if n <= 0 {
		return 0
	}
	count := 0
	l.tree.Ascend(func(lvl Level) bool {
		sum += lvl.Size
		count++
		return count < n
	})
	return sum
}

// Levels copies every level in iteration order.
func (l *Ladder) Levels() []Level {
	out := make([]Level, 0, l.tree.Len())
	l.tree.Ascend(func(lvl Level) bool {
		out = append(out, lvl)
		return true
	})
	return out
}

// Book is a two-sided price-level book.
type Book struct {
	bids *Ladder
	asks *Ladder
}

// New returns an empty book.
func New() *Book {
	return &Book{
		bids: newLadder(Bid),
		asks: newLadder(Ask),
	}
}

// Ladder returns the read-only view of one side, or nil for an invalid side.
func (b *Book) Ladder(side Side) *Ladder {
	switch side {
	case Bid:
		return b.bids
	case Ask:
		return b.asks
	default:
		return nil
	}
}

// Apply sets the resting size at price. A size of 0 removes the level and is
// a no-op when the level is absent.
func (b *Book) Apply(side Side, price, size int64) error {
	l := b.Ladder(side)
	if l == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSide, side)
	}
	if size < 0 {
		return fmt.Errorf("%w: %s %d @ %d", ErrNegativeSize, side, size, price)
	}
	l.set(price, size)
	return nil
}

// Best returns the best level of side; false when that side is empty.
func (b *Book) Best(side Side) (Level, bool) {
	l := b.Ladder(side)
	if l == nil {
		return Level{}, false
	}
	return l.Best()
}

// TopNSum sums resting size over the best n levels of side.
func (b *Book) TopNSum(side Side, n int) int64 {
	l := b.Ladder(side)
	if l == nil {
		return 0
	}
	return l.TopNSum(n)
}

// Levels copies one side in price order.
func (b *Book) Levels(side Side) []Level {
	l := b.Ladder(side)
	if l == nil {
		return nil
	}
	return l.Levels()
}

// Len returns the level count of one side.
func (b *Book) Len(side Side) int {
	l := b.Ladder(side)
	if l == nil {
		return 0
	}
	return l.Len()
}

// Crossed reports whether the best bid is at or through the best ask.
func (b *Book) Crossed() bool {
	bid, okBid := b.bids.Best()
	ask, okAsk := b.asks.Best()
	return okBid && okAsk && bid.Price >= ask.Price
}
