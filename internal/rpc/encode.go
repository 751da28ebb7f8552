package rpc

import (
	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/profile"
	"github.com/caesar-terminal/depthbook/internal/publish"
)

// encodeSnapshot builds the Struct-compatible map for s. Prices are display
// strings; levels < 0 keeps every level.
func encodeSnapshot(s publish.Snapshot, levels int) map[string]any {
	m := map[string]any{
		"instrument":  s.Instrument,
		"seq":         s.Seq,
		"taken_at_ms": s.TakenAt.UnixMilli(),
		"tick_size":   s.TickSize.String(),
		"bids":        encodeLevels(s, s.Bids, levels),
		"asks":        encodeLevels(s, s.Asks, levels),
		"profile":     encodeBuckets(s, s.Profile),
		"clusters":    encodeBuckets(s, s.Clusters),
		"imbalance":   s.Imbalance,
		"stacked_ask": s.StackedAsk,
		"stacked_bid": s.StackedBid,
	}
	if s.HasPOC {
		m["poc"] = map[string]any{
			"price":  s.DisplayPrice(s.PointOfControl.Price).String(),
			"volume": s.PointOfControl.Volume,
		}
	}
	if s.HasValueArea {
		m["value_area"] = map[string]any{
			"low":  s.DisplayPrice(s.ValueArea.Low).String(),
			"high": s.DisplayPrice(s.ValueArea.High).String(),
		}
	}
	return m
}

func encodeLevels(s publish.Snapshot, lv []book.Level, limit int) []any {
	if limit >= 0 && len(lv) > limit {
		lv = lv[:limit]
	}
	out := make([]any, len(lv))
	for i, l := range lv {
		out[i] = map[string]any{
			"price": s.DisplayPrice(l.Price).String(),
			"size":  l.Size,
		}
	}
	return out
}

func encodeBuckets(s publish.Snapshot, bs []profile.Bucket) []any {
	out := make([]any, len(bs))
	for i, b := range bs {
		out[i] = map[string]any{
			"price":  s.DisplayPrice(b.Price).String(),
			"volume": b.Volume,
		}
	}
	return out
}
