// Package publish delivers rate-limited, immutable views of the book and
// volume profile to a renderer.
package publish

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/profile"
)

// Snapshot is a point-in-time copy of the aggregated state. It shares no
// memory with the live book or profile and is safe to keep. Renderers must
// treat its slices as read-only; use Clone before modifying them.
type Snapshot struct {
	Seq        uint64
	Instrument string
	TakenAt    time.Time

	// Bids are ordered best (highest) first, Asks best (lowest) first.
	Bids []book.Level
	Asks []book.Level

	// Profile is ordered by ascending price.
	Profile  []profile.Bucket
	Clusters []profile.Bucket

	PointOfControl profile.Bucket
	HasPOC         bool
	ValueArea      profile.ValueArea
	HasValueArea   bool

	// Imbalance is (bid-ask)/(bid+ask) over the top ImbalanceLevels levels.
	Imbalance float64

	// StackedAsk and StackedBid are the stacked-imbalance totals.
	StackedAsk int64
	StackedBid int64

	TickSize profile.TickSize
}

// BestBid returns the highest bid, if any.
func (s Snapshot) BestBid() (book.Level, bool) {
	if len(s.Bids) == 0 {
		return book.Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (s Snapshot) BestAsk() (book.Level, bool) {
	if len(s.Asks) == 0 {
		return book.Level{}, false
	}
	return s.Asks[0], true
}

// Clone returns a copy whose slices share no backing arrays with s.
func (s Snapshot) Clone() Snapshot {
	s.Bids = slices.Clone(s.Bids)
	s.Asks = slices.Clone(s.Asks)
	s.Profile = slices.Clone(s.Profile)
	s.Clusters = slices.Clone(s.Clusters)
	return s
}

// DisplayPrice converts a tick to the instrument's display price.
func (s Snapshot) DisplayPrice(tick int64) decimal.Decimal {
	return s.TickSize.Display(tick)
}

// Renderer consumes snapshots. Render is called from the publisher
// goroutine, one snapshot at a time.
type Renderer interface {
	Render(s Snapshot) error
}

// RendererFunc adapts a plain function to Renderer.
type RendererFunc func(s Snapshot) error

func (f RendererFunc) Render(s Snapshot) error { return f(s) }

// Capturer produces a consistent snapshot of the current state.
type Capturer interface {
	Capture() Snapshot
}

// CapturerFunc adapts a plain function to Capturer.
type CapturerFunc func() Snapshot

func (f CapturerFunc) Capture() Snapshot { return f() }

// MultiRenderer renders to each renderer in turn. Every renderer is called
// even if an earlier one fails or panics, and each gets its own copy of the
// snapshot so none can see another's changes.
type MultiRenderer []Renderer

func (m MultiRenderer) Render(s Snapshot) error {
	var errs []error
	for i, r := range m {
		snap := s
		if i < len(m)-1 {
			snap = s.Clone()
		}
		if err := safeRender(r, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// safeRender calls r, turning a panic into ErrRenderPanic.
func safeRender(r Renderer, s Snapshot) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w: %v", ErrRenderPanic, v)
		}
	}()
	return r.Render(s)
}
