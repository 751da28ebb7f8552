// Package profile accumulates traded volume per price tick and derives the
// point of control, value area and order-book imbalance from it.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/caesar-terminal/depthbook/internal/book"
)

// Sentinel errors.
var (
	ErrInvalidFraction   = errors.New("value area fraction must be in (0, 1]")
	ErrEmptyProfile      = errors.New("volume profile is empty")
	ErrNonPositiveVolume = errors.New("traded volume must be positive")
)

// DefaultValueAreaFraction is the share of volume the value area covers.
const DefaultValueAreaFraction = 0.70

// Bucket is the cumulative traded volume at one price tick.
type Bucket struct {
	Price  int64
	Volume int64
}

// ValueArea is the price band reported for a target share of volume.
type ValueArea struct {
	Low  int64
	High int64
}

// Contains reports whether price lies within the band, bounds inclusive.
func (va ValueArea) Contains(price int64) bool {
	return price >= va.Low && price <= va.High
}

// Accumulator is a concurrency-safe price histogram of traded volume.
// Buckets only grow until Reset.
type Accumulator struct {
	mu      sync.Mutex
	buckets *btree.BTreeG[Bucket]
	total   int64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{buckets: newTree()}
}

func newTree() *btree.BTreeG[Bucket] {
	return btree.NewG[Bucket](32, func(a, b Bucket) bool { return a.Price < b.Price })
}

// Merge adds size to the bucket at price, creating it when absent.
func (a *Accumulator) Merge(price, size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d @ %d", ErrNonPositiveVolume, size, price)
	}

	a.mu.Lock()
	cur, _ := a.buckets.Get(Bucket{Price: price})
	a.buckets.ReplaceOrInsert(Bucket{Price: price, Volume: cur.Volume + size})
	a.total += size
	a.mu.Unlock()
	return nil
}

// Reset discards every bucket.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.buckets = newTree()
	a.total = 0
	a.mu.Unlock()
}

// Total returns the summed volume across all buckets.
func (a *Accumulator) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Len returns the number of distinct price buckets.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buckets.Len()
}

// Volume returns the cumulative volume at price.
func (a *Accumulator) Volume(price int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, _ := a.buckets.Get(Bucket{Price: price})
	return b.Volume
}

// Buckets copies the histogram in ascending price order.
func (a *Accumulator) Buckets() []Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Bucket, 0, a.buckets.Len())
	a.buckets.Ascend(func(b Bucket) bool {
		out = append(out, b)
		return true
	})
	return out
}

// PointOfControl returns the bucket with the largest volume. Ties go to the
// lowest price. False when the profile is empty.
func (a *Accumulator) PointOfControl() (Bucket, bool) {
	return PointOfControlOf(a.Buckets())
}

// ValueArea computes the value area over the current histogram.
func (a *Accumulator) ValueArea(fraction float64) (ValueArea, error) {
	return ValueAreaOf(a.Buckets(), fraction)
}

// Clusters returns the buckets whose volume is strictly above threshold.
func (a *Accumulator) Clusters(threshold int64) []Bucket {
	return ClustersOf(a.Buckets(), threshold)
}

// PointOfControlOf works on a copied histogram.
func PointOfControlOf(buckets []Bucket) (Bucket, bool) {
	if len(buckets) == 0 {
		return Bucket{}, false
	}
	poc := buckets[0]
	for _, b := range buckets[1:] {
		if b.Volume > poc.Volume || (b.Volume == poc.Volume && b.Price < poc.Price) {
			poc = b
		}
	}
	return poc, true
}

// ValueAreaOf selects buckets by descending volume until their sum reaches
// fraction of the total, and reports the lowest and highest selected price.
// The selected buckets need not be adjacent, so the band can enclose
// low-volume prices that were never selected.
func ValueAreaOf(buckets []Bucket, fraction float64) (ValueArea, error) {
	if !(fraction > 0 && fraction <= 1) {
		return ValueArea{}, fmt.Errorf("%w: %v", ErrInvalidFraction, fraction)
	}
	if len(buckets) == 0 {
		return ValueArea{}, ErrEmptyProfile
	}

	var total int64
	for _, b := range buckets {
		total += b.Volume
	}
	target := fraction * float64(total)

	sorted := make([]Bucket, len(buckets))
	copy(sorted, buckets)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Volume != sorted[j].Volume {
			return sorted[i].Volume > sorted[j].Volume
		}
		return sorted[i].Price < sorted[j].Price
	})

	va := ValueArea{Low: sorted[0].Price, High: sorted[0].Price}
	var acc int64
	for _, b := range sorted {
		acc += b.Volume
		if b.Price < va.Low {
			va.Low = b.Price
		}
		if b.Price > va.High {
			va.High = b.Price
		}
		if float64(acc) >= target {
			break
		}
	}
	return va, nil
}

// ClustersOf returns buckets with volume strictly above threshold, in price
// order.
func ClustersOf(buckets []Bucket, threshold int64) []Bucket {
	var out []Bucket
	for _, b := range buckets {
		if b.Volume > threshold {
			out = append(out, b)
		}
	}
	return out
}

// Imbalance is (bid - ask) / (bid + ask), positive when bids dominate and 0
// when both are 0.
func Imbalance(bidVolume, askVolume int64) float64 {
	sum := bidVolume + askVolume
	if sum == 0 {
		return 0
	}
	return float64(bidVolume-askVolume) / float64(sum)
}

// LevelsImbalance applies Imbalance to the top levels of copied bid and ask
// ladders, each ordered best first.
func LevelsImbalance(bids, asks []book.Level, levels int) float64 {
	return Imbalance(book.SumTop(bids, levels), book.SumTop(asks, levels))
}

// BookImbalance applies Imbalance to the top levels of each side of b.
func BookImbalance(b *book.Book, levels int) float64 {
	return Imbalance(b.TopNSum(book.Bid, levels), b.TopNSum(book.Ask, levels))
}
