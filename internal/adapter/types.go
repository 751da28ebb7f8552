package adapter

import (
	"encoding/json"
	"time"
)

// MarketData receives normalised market data. Satisfied by *engine.Engine.
type MarketData interface {
	OnDepth(isBid bool, price, size int) bool
	OnTrade(price float64, size int)
}

// Message types on the upstream feed.
const (
	msgSubscribe = "subscribe"
	msgDepth     = "depth"
	msgTrade     = "trade"
	msgBook      = "book"
	msgError     = "error"
)

// wireMessage is the single JSON envelope used by the upstream feed. Depth
// prices are integer ticks; trade prices may carry a fractional tick.
//
//	{"type":"depth","side":"bid","price":16048,"size":7}
//	{"type":"trade","price":16048.0,"size":3}
//	{"type":"book","bids":[[16048,7]],"asks":[[16049,2]]}
type wireMessage struct {
	Type       string      `json:"type"`
	Instrument string      `json:"instrument,omitempty"`
	Side       string      `json:"side,omitempty"`
	Price      json.Number `json:"price,omitempty"`
	Size       int64       `json:"size,omitempty"`
	Bids       [][2]int64  `json:"bids,omitempty"`
	Asks       [][2]int64  `json:"asks,omitempty"`
	Message    string      `json:"message,omitempty"`
	Timestamp  int64       `json:"ts,omitempty"`
}

// SnapshotSummary is the compact top-of-book view written to sinks.
type SnapshotSummary struct {
	Instrument string    `json:"instrument"`
	Seq        uint64    `json:"seq"`
	Bid        string    `json:"bid"`
	BidSize    int64     `json:"bid_size"`
	Ask        string    `json:"ask"`
	AskSize    int64     `json:"ask_size"`
	POC        string    `json:"poc"`
	VALow      string    `json:"va_low"`
	VAHigh     string    `json:"va_high"`
	Imbalance  float64   `json:"imbalance"`
	TakenAt    time.Time `json:"ts"`
}
