package adapter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caesar-terminal/depthbook/internal/logging"
)

type depthCall struct {
	isBid       bool
	price, size int
}

type tradeCall struct {
	price float64
	size  int
}

// mockMarketData records every forwarded event.
type mockMarketData struct {
	mu     sync.Mutex
	depth  []depthCall
	trades []tradeCall
}

func (m *mockMarketData) OnDepth(isBid bool, price, size int) bool {
	m.mu.Lock()
	m.depth = append(m.depth, depthCall{isBid, price, size})
	m.mu.Unlock()
	return true
}

func (m *mockMarketData) OnTrade(price float64, size int) {
	m.mu.Lock()
	m.trades = append(m.trades, tradeCall{price, size})
	m.mu.Unlock()
}

func newTestFeed(md MarketData, guard *FeedGuard) *FeedAdapter {
	ws := NewWSClient(DefaultWSConfig("ws://unused"), logging.Nop())
	return NewFeedAdapter(ws, md, guard, "ES", logging.Nop())
}

func TestFeedAdapter_Decode(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		depth  []depthCall
		trades []tradeCall
	}{
		{
			name:  "depth bid",
			raw:   `{"type":"depth","side":"bid","price":16048,"size":7}`,
			depth: []depthCall{{true, 16048, 7}},
		},
		{
			name:  "depth removal",
			raw:   `{"type":"depth","side":"ask","price":16049,"size":0}`,
			depth: []depthCall{{false, 16049, 0}},
		},
		{
			name:  "integral float price",
			raw:   `{"type":"depth","side":"ask","price":16049.0,"size":2}`,
			depth: []depthCall{{false, 16049, 2}},
		},
		{
			name:   "trade",
			raw:    `{"type":"trade","price":16048.5,"size":3}`,
			trades: []tradeCall{{16048.5, 3}},
		},
		{
			name:  "book",
			raw:   `{"type":"book","bids":[[16048,7],[16047,2]],"asks":[[16049,4]]}`,
			depth: []depthCall{{true, 16048, 7}, {true, 16047, 2}, {false, 16049, 4}},
		},
		{
			name: "other instrument ignored",
			raw:  `{"type":"depth","instrument":"NQ","side":"bid","price":1,"size":1}`,
		},
		{
			name: "heartbeat ignored",
			raw:  `{"type":"heartbeat"}`,
		},
		{
			name: "feed error logged",
			raw:  `{"type":"error","message":"throttled"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := &mockMarketData{}
			fa := newTestFeed(md, nil)
			if err := fa.handle([]byte(tt.raw)); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if len(md.depth) != len(tt.depth) || len(md.trades) != len(tt.trades) {
				t.Fatalf("depth=%v trades=%v", md.depth, md.trades)
			}
			for i := range tt.depth {
				if md.depth[i] != tt.depth[i] {
					t.Fatalf("depth[%d] = %+v, want %+v", i, md.depth[i], tt.depth[i])
				}
			}
			for i := range tt.trades {
				if md.trades[i] != tt.trades[i] {
					t.Fatalf("trade[%d] = %+v, want %+v", i, md.trades[i], tt.trades[i])
				}
			}
		})
	}
}

func TestFeedAdapter_Malformed(t *testing.T) {
	bad := []string{
		`not json`,
		`{"type":"depth","side":"mid","price":1,"size":1}`,
		`{"type":"depth","side":"bid","price":1.5,"size":1}`,
		`{"type":"depth","side":"bid","size":1}`,
		`{"type":"depth","side":"bid","price":1,"size":-1}`,
		`{"type":"trade","price":"abc","size":1}`,
	}
	for _, raw := range bad {
		md := &mockMarketData{}
		fa := newTestFeed(md, nil)
		err := fa.handle([]byte(raw))
		if !errors.Is(err, ErrBadMessage) {
			t.Fatalf("%s: err = %v, want ErrBadMessage", raw, err)
		}
		if len(md.depth)+len(md.trades) != 0 {
			t.Fatalf("%s: malformed message forwarded", raw)
		}
	}
}

func TestFeedAdapter_RecordsOnGuard(t *testing.T) {
	clock := newFakeClock(time.Now())
	guard := newTestGuard(clock)
	fa := newTestFeed(&mockMarketData{}, guard)

	fa.handle([]byte(`{"type":"heartbeat"}`))
	if guard.Status() != "cooling off" {
		t.Fatalf("status = %q, want cooling off after first message", guard.Status())
	}
}
