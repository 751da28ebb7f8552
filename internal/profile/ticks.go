package profile

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTickSize = errors.New("tick size must be positive")
	ErrInvalidPrice    = errors.New("price is not a representable tick")
)

var (
	minTick = decimal.NewFromInt(math.MinInt64)
	maxTick = decimal.NewFromInt(math.MaxInt64)
)

// TickSize converts between integer price ticks and display prices.
type TickSize struct {
	step decimal.Decimal
}

// DefaultTickSize is the display step of one tick.
var DefaultTickSize = TickSize{step: decimal.RequireFromString("0.25")}

// ParseTickSize parses a decimal string such as "0.25".
func ParseTickSize(s string) (TickSize, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return TickSize{}, fmt.Errorf("parse tick size %q: %w", s, err)
	}
	if !d.IsPositive() {
		return TickSize{}, fmt.Errorf("%w: %s", ErrInvalidTickSize, s)
	}
	return TickSize{step: d}, nil
}

// Step returns the display value of one tick.
func (t TickSize) Step() decimal.Decimal {
	if t.step.IsZero() {
		return DefaultTickSize.step
	}
	return t.step
}

// Display converts a tick to its display price.
func (t TickSize) Display(tick int64) decimal.Decimal {
	return decimal.NewFromInt(tick).Mul(t.Step())
}

// FromDisplay converts a display price to the nearest tick.
func (t TickSize) FromDisplay(price decimal.Decimal) int64 {
	return price.Div(t.Step()).Round(0).IntPart()
}

func (t TickSize) String() string {
	return t.Step().String()
}

// RoundTick rounds a fractional tick price, as delivered with trades, to the
// nearest integer tick. Halves round away from zero. NaN, infinities and
// prices outside the int64 range return ErrInvalidPrice.
func RoundTick(price float64) (int64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	d := decimal.NewFromFloat(price).Round(0)
	if d.LessThan(minTick) || d.GreaterThan(maxTick) {
		return 0, fmt.Errorf("%w: %v out of range", ErrInvalidPrice, price)
	}
	return d.IntPart(), nil
}
