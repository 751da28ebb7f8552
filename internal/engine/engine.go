// Package engine wires the book, ingestion pipeline, volume profile and
// snapshot publisher behind the inbound market-data API.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/ingest"
	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
	"github.com/caesar-terminal/depthbook/internal/profile"
	"github.com/caesar-terminal/depthbook/internal/publish"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrStopped        = errors.New("engine stopped")
	ErrNoRenderer     = errors.New("renderer is required")
)

// Option customises an Engine.
type Option func(*Engine)

// WithReporter replaces the default logging reporter for ingestion
// failures.
func WithReporter(r ingest.Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// Engine is the aggregation core. OnDepth and OnTrade may be called from any
// goroutine at any rate and never block.
type Engine struct {
	cfg      Config
	log      zerolog.Logger
	hotPath  zerolog.Logger
	reporter ingest.Reporter

	pipeline  *ingest.Pipeline
	profile   *profile.Accumulator
	publisher *publish.Publisher

	tradesMerged   atomic.Uint64
	tradesRejected atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	pubDone chan struct{}
}

// New builds an Engine that renders snapshots to renderer.
func New(cfg Config, renderer publish.Renderer, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if renderer == nil {
		return nil, ErrNoRenderer
	}

	log := logging.Component(logger, "engine")
	e := &Engine{
		cfg:     cfg,
		log:     log,
		hotPath: logging.Sampled(log, 5),
		profile: profile.NewAccumulator(),
		pubDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.pipeline = ingest.New(cfg.ingestConfig(), logging.Component(logger, "ingest"), e.reporter)
	e.publisher = publish.NewPublisher(cfg.MinInterval, publish.CapturerFunc(e.Capture), renderer,
		logging.Component(logger, "publish"))
	e.pipeline.OnChange(e.publisher.Kick)

	return e, nil
}

// OnDepth offers a depth update to the ingestion queue. size 0 removes the
// level. It returns false when the event was dropped or rejected.
func (e *Engine) OnDepth(isBid bool, price, size int) bool {
	side := book.Ask
	if isBid {
		side = book.Bid
	}
	return e.pipeline.Enqueue(ingest.DepthEvent{
		Side:  side,
		Price: int64(price),
		Size:  int64(size),
	})
}

// OnTrade adds traded volume at price, rounded to the nearest tick.
// Non-positive sizes and prices that are not a finite tick are counted and
// ignored.
func (e *Engine) OnTrade(price float64, size int) {
	tick, err := profile.RoundTick(price)
	if err == nil {
		err = e.profile.Merge(tick, int64(size))
	}
	if err != nil {
		e.tradesRejected.Add(1)
		metrics.TradesRejected.Inc()
		e.hotPath.Warn().Err(err).Float64("price", price).Int("size", size).Msg("trade rejected")
		return
	}
	e.tradesMerged.Add(1)
	metrics.TradesMerged.Inc()
	e.publisher.MarkDirty()
}

// Start launches the ingestion worker and the publisher. Cancelling ctx has
// the same effect as Stop, except that it does not wait.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := e.pipeline.Start(ctx); err != nil {
		cancel()
		return err
	}
	e.started = true
	e.cancel = cancel

	pubCtx, pubCancel := context.WithCancel(context.Background())
	go func() {
		defer close(e.pubDone)
		e.publisher.Run(pubCtx)
	}()
	// The publisher outlives the pipeline so the final drain is flushed.
	go func() {
		<-e.pipeline.Done()
		pubCancel()
	}()

	e.log.Info().
		Str("instrument", e.cfg.Instrument).
		Dur("min_interval", e.cfg.MinInterval).
		Float64("value_area_fraction", e.cfg.ValueAreaFraction).
		Msg("engine started")
	return nil
}

// Stop halts ingestion, applies every event accepted so far, publishes the
// final state and returns once both goroutines have exited. Later OnDepth
// calls are rejected.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.pipeline.Stop()
	if started {
		<-e.pubDone
	}

	s := e.Stats()
	e.log.Info().
		Uint64("accepted", s.Accepted).
		Uint64("dropped", s.Dropped).
		Uint64("applied", s.Applied).
		Uint64("published", s.Published).
		Msg("engine stopped")
}

// ResetProfile clears the volume profile and schedules a publish.
func (e *Engine) ResetProfile() {
	e.profile.Reset()
	e.publisher.MarkDirty()
	e.log.Info().Msg("volume profile reset")
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Stats:          e.pipeline.Stats(),
		TradesMerged:   e.tradesMerged.Load(),
		TradesRejected: e.tradesRejected.Load(),
		Published:      e.publisher.Published(),
		PublishFailed:  e.publisher.Failed(),
		QueueLen:       e.pipeline.Len(),
	}
}

// Capture takes a consistent snapshot. Locks are taken bids, asks, then
// profile and held only while copying; derived statistics are computed
// afterwards.
func (e *Engine) Capture() publish.Snapshot {
	var (
		bids, asks []book.Level
		buckets    []profile.Bucket
	)
	e.pipeline.Locked(func(b *book.Book) {
		bids = b.Levels(book.Bid)
		asks = b.Levels(book.Ask)
		buckets = e.profile.Buckets()
	})

	snap := publish.Snapshot{
		Instrument: e.cfg.Instrument,
		TakenAt:    time.Now(),
		Bids:       bids,
		Asks:       asks,
		Profile:    buckets,
		Imbalance:  profile.LevelsImbalance(bids, asks, e.cfg.ImbalanceLevels),
		TickSize:   e.cfg.TickSize,
		Clusters:   profile.ClustersOf(buckets, e.cfg.ClusterThreshold),
	}
	snap.StackedAsk, snap.StackedBid = book.StackedImbalanceOf(bids, asks, e.cfg.StackRatioPct, e.cfg.StackMinVolume)
	snap.PointOfControl, snap.HasPOC = profile.PointOfControlOf(buckets)
	if va, err := profile.ValueAreaOf(buckets, e.cfg.ValueAreaFraction); err == nil {
		snap.ValueArea, snap.HasValueArea = va, true
	}
	return snap
}
