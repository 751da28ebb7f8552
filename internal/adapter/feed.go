package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// ErrBadMessage is wrapped by every feed decode failure.
var ErrBadMessage = errors.New("bad feed message")

// FeedAdapter decodes the upstream JSON feed and forwards depth and trade
// events to a MarketData sink. Every message, valid or not, counts as a sign
// of life for the guard.
type FeedAdapter struct {
	raw        <-chan []byte
	md         MarketData
	guard      *FeedGuard
	instrument string

	log     zerolog.Logger
	hotPath zerolog.Logger
}

// NewFeedAdapter creates a FeedAdapter reading from ws and registers the
// instrument subscription, which ws sends on every connection. guard may be
// nil.
func NewFeedAdapter(ws *WSClient, md MarketData, guard *FeedGuard, instrument string, logger zerolog.Logger) *FeedAdapter {
	log := logging.Component(logger, "feed")
	fa := &FeedAdapter{
		raw:        ws.Messages(),
		md:         md,
		guard:      guard,
		instrument: instrument,
		log:        log,
		hotPath:    logging.Sampled(log, 5),
	}
	ws.SetSubscription(subscribeFrame(instrument))
	return fa
}

func subscribeFrame(instrument string) []byte {
	frame, _ := json.Marshal(wireMessage{Type: msgSubscribe, Instrument: instrument})
	return frame
}

// Run decodes messages until ctx is cancelled or the client closes.
func (fa *FeedAdapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-fa.raw:
			if !ok {
				return
			}
			if err := fa.handle(raw); err != nil {
				metrics.FeedDecodeErrs.Inc()
				fa.hotPath.Warn().Err(err).Msg("dropping feed message")
			}
		}
	}
}

func (fa *FeedAdapter) handle(raw []byte) error {
	if fa.guard != nil {
		fa.guard.Record()
	}

	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if msg.Instrument != "" && msg.Instrument != fa.instrument {
		return nil
	}

	switch msg.Type {
	case msgDepth:
		return fa.handleDepth(msg)
	case msgTrade:
		return fa.handleTrade(msg)
	case msgBook:
		return fa.handleBook(msg)
	case msgError:
		fa.log.Error().Str("message", msg.Message).Msg("feed error")
		return nil
	default:
		// heartbeats, acks and unknown types carry no book data.
		return nil
	}
}

func (fa *FeedAdapter) handleDepth(msg wireMessage) error {
	var isBid bool
	switch msg.Side {
	case "bid":
		isBid = true
	case "ask":
	default:
		return fmt.Errorf("%w: side %q", ErrBadMessage, msg.Side)
	}

	price, err := tickPrice(msg.Price)
	if err != nil {
		return err
	}
	if msg.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrBadMessage, msg.Size)
	}
	fa.md.OnDepth(isBid, price, int(msg.Size))
	return nil
}

func (fa *FeedAdapter) handleTrade(msg wireMessage) error {
	price, err := msg.Price.Float64()
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: trade price %q", ErrBadMessage, msg.Price)
	}
	fa.md.OnTrade(price, int(msg.Size))
	return nil
}

// handleBook upserts every level of a full book message. Levels absent
// from the message are left untouched.
func (fa *FeedAdapter) handleBook(msg wireMessage) error {
	for _, lv := range msg.Bids {
		fa.md.OnDepth(true, int(lv[0]), int(lv[1]))
	}
	for _, lv := range msg.Asks {
		fa.md.OnDepth(false, int(lv[0]), int(lv[1]))
	}
	return nil
}

// tickPrice requires an integral tick price.
func tickPrice(n json.Number) (int, error) {
	if p, err := n.Int64(); err == nil {
		return int(p), nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: depth price %q is not a tick", ErrBadMessage, n)
	}
	return int(f), nil
}
