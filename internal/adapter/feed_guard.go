package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// FeedGuardConfig holds tunable parameters for the FeedGuard.
type FeedGuardConfig struct {
	// StaleThreshold is the longest silence before the feed is considered
	// stale. Default: 1s.
	StaleThreshold time.Duration

	// CoolOff is how long data must flow again after an outage before the
	// feed is reported healthy. Default: 2s.
	CoolOff time.Duration

	// PollInterval is how often Run re-evaluates health. Default: 100ms.
	PollInterval time.Duration
}

// DefaultFeedGuardConfig returns production-tuned defaults.
func DefaultFeedGuardConfig() FeedGuardConfig {
	return FeedGuardConfig{
		StaleThreshold: 1000 * time.Millisecond,
		CoolOff:        2 * time.Second,
		PollInterval:   100 * time.Millisecond,
	}
}

// FeedGuard decides whether the aggregated book reflects a live market. It
// tracks:
//   - connection state, pushed by the WSClient through FeedStateChanged
//   - data staleness via Record
//   - a cool-off period after recovery
//   - a manual halt
type FeedGuard struct {
	cfg FeedGuardConfig
	log zerolog.Logger

	mu           sync.Mutex
	lastUpdate   time.Time
	recoveredAt  time.Time
	live         bool
	halted       bool
	disconnected bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewFeedGuard creates a FeedGuard. Pass it to NewWSClient as a watcher.
func NewFeedGuard(cfg FeedGuardConfig, logger zerolog.Logger) *FeedGuard {
	return &FeedGuard{
		cfg:     cfg,
		log:     logging.Component(logger, "guard"),
		nowFunc: time.Now,
	}
}

// FeedStateChanged implements StateWatcher. Losing the connection ends the
// live period at once, so the first message after a reconnect restarts the
// cool-off.
func (g *FeedGuard) FeedStateChanged(s FeedState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.disconnected = s != FeedUp
	if g.disconnected && g.live {
		g.live = false
		g.log.Warn().Msg("feed outage: disconnected")
	}
}

// ManualHalt forces the feed unhealthy until Resume is called.
func (g *FeedGuard) ManualHalt() {
	g.mu.Lock()
	g.halted = true
	g.mu.Unlock()
	g.log.Warn().Msg("manual halt")
}

// Resume clears the manual halt. Staleness and cool-off still apply.
func (g *FeedGuard) Resume() {
	g.mu.Lock()
	g.halted = false
	g.mu.Unlock()
	g.log.Info().Msg("manual halt cleared")
}

// Record notes that a message arrived. The first message after an outage
// starts the cool-off; frames still draining while disconnected do not.
func (g *FeedGuard) Record() {
	now := g.nowFunc()

	g.mu.Lock()
	g.lastUpdate = now
	if !g.live && !g.disconnected {
		g.live = true
		g.recoveredAt = now
	}
	g.mu.Unlock()
}

// Healthy reports true only if ALL of the following hold:
//  1. No manual halt is active.
//  2. The connection is not reported down.
//  3. The last message is within StaleThreshold.
//  4. The cool-off has elapsed since recovery.
func (g *FeedGuard) Healthy() bool {
	return g.Status() == "ok"
}

// Status returns "ok" or the first reason the feed is unhealthy.
func (g *FeedGuard) Status() string {
	now := g.nowFunc()

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.halted:
		return "halted"
	case g.disconnected:
		return "disconnected"
	case g.lastUpdate.IsZero():
		return "no data"
	case now.Sub(g.lastUpdate) > g.cfg.StaleThreshold:
		return "stale"
	case !g.live, now.Sub(g.recoveredAt) < g.cfg.CoolOff:
		return "cooling off"
	}
	return "ok"
}

// Run periodically publishes feed staleness and ends the live period when
// the feed goes quiet, so the next message restarts the cool-off. It blocks
// until ctx is cancelled.
func (g *FeedGuard) Run(ctx context.Context) {
	interval := g.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultFeedGuardConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.poll()
		}
	}
}

func (g *FeedGuard) poll() {
	now := g.nowFunc()

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lastUpdate.IsZero() {
		metrics.FeedStaleness.Set(float64(now.Sub(g.lastUpdate).Milliseconds()))
	}
	stale := !g.lastUpdate.IsZero() && now.Sub(g.lastUpdate) > g.cfg.StaleThreshold
	if g.live && stale {
		g.live = false
		g.log.Warn().Dur("silence", now.Sub(g.lastUpdate)).Msg("feed outage: stale")
	}
}
