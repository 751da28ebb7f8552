package publish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// ErrRenderPanic wraps a panic recovered from a Renderer.
var ErrRenderPanic = errors.New("renderer panicked")

// DefaultMinInterval is the shortest gap between two published snapshots.
const DefaultMinInterval = 100 * time.Millisecond

// Publisher turns a stream of "something changed" signals into at most one
// Render per MinInterval. Intermediate states are skipped; the snapshot
// always reflects the latest state at capture time.
type Publisher struct {
	minInterval time.Duration
	capturer    Capturer
	renderer    Renderer
	log         zerolog.Logger

	dirty atomic.Bool
	kick  chan struct{}

	// mu serialises MaybePublish so captures and renders never overlap.
	mu          sync.Mutex
	lastPublish time.Time
	seq         uint64

	published atomic.Uint64
	failed    atomic.Uint64

	// nowFunc returns the current time. Override in tests.
	nowFunc func() time.Time
}

// NewPublisher creates a Publisher. A non-positive minInterval selects
// DefaultMinInterval.
func NewPublisher(minInterval time.Duration, capturer Capturer, renderer Renderer, logger zerolog.Logger) *Publisher {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Publisher{
		minInterval: minInterval,
		capturer:    capturer,
		renderer:    renderer,
		log:         logger,
		kick:        make(chan struct{}, 1),
		nowFunc:     time.Now,
	}
}

// MarkDirty records that state changed since the last publish.
func (p *Publisher) MarkDirty() {
	p.dirty.Store(true)
}

// Kick marks the publisher dirty and wakes Run without waiting for the
// next tick. Never blocks.
func (p *Publisher) Kick() {
	p.dirty.Store(true)
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Dirty reports whether a change is waiting to be published.
func (p *Publisher) Dirty() bool {
	return p.dirty.Load()
}

// MaybePublish captures and renders a snapshot if state is dirty and at
// least MinInterval has passed since the last publish. It reports whether a
// snapshot was handed to the renderer.
func (p *Publisher) MaybePublish(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.dirty.Load() {
		return false
	}
	if !p.lastPublish.IsZero() && now.Sub(p.lastPublish) < p.minInterval {
		return false
	}
	p.publishLocked(now)
	return true
}

// Flush publishes immediately if dirty, ignoring MinInterval.
func (p *Publisher) Flush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.dirty.Load() {
		return false
	}
	p.publishLocked(p.nowFunc())
	return true
}

func (p *Publisher) publishLocked(now time.Time) {
	// Cleared before capture so a change that lands mid-capture is picked
	// up by the next cycle.
	p.dirty.Store(false)

	start := time.Now()
	snap := p.capturer.Capture()
	metrics.CaptureLatencyUs.Observe(float64(time.Since(start).Microseconds()))

	p.seq++
	snap.Seq = p.seq
	if snap.TakenAt.IsZero() {
		snap.TakenAt = now
	}
	p.lastPublish = now

	if err := p.render(snap); err != nil {
		p.failed.Add(1)
		metrics.PublishFailures.Inc()
		p.log.Error().Err(err).Uint64("seq", snap.Seq).Msg("render failed")
		return
	}
	p.published.Add(1)
	metrics.SnapshotsPublished.Inc()
}

func (p *Publisher) render(snap Snapshot) error {
	return safeRender(p.renderer, snap)
}

// Run publishes on every tick and every kick until ctx is cancelled, then
// flushes any pending change once.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.minInterval)
	defer ticker.Stop()

	p.log.Info().Dur("min_interval", p.minInterval).Msg("publisher started")

	for {
		select {
		case <-ctx.Done():
			p.Flush()
			p.log.Info().
				Uint64("published", p.published.Load()).
				Uint64("failed", p.failed.Load()).
				Msg("publisher stopped")
			return
		case <-p.kick:
			p.MaybePublish(p.nowFunc())
		case <-ticker.C:
			p.MaybePublish(p.nowFunc())
		}
	}
}

// Published returns the number of snapshots rendered without error.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Failed returns the number of renders that returned an error or panicked.
func (p *Publisher) Failed() uint64 {
	return p.failed.Load()
}
