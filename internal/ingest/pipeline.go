// Package ingest decouples a high-frequency depth producer from the book.
//
// Producers call Enqueue, which never blocks. A single worker drains the
// queue in batches, applies each event under the lock of its side, and then
// sleeps for the throttle delay so bursts coalesce into fewer, larger
// batches.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// Config holds tunable parameters for a Pipeline.
type Config struct {
	// QueueCapacity bounds the number of accepted but unapplied events.
	QueueCapacity int

	// BatchSize caps how many events one drain takes. Default: 1024.
	BatchSize int

	// Throttle is the pause between drains. Default: 10ms.
	Throttle time.Duration
}

// DefaultConfig returns defaults suited to a single futures instrument.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 4096,
		BatchSize:     1024,
		Throttle:      10 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Throttle <= 0 {
		c.Throttle = d.Throttle
	}
	return c
}

// Stats are cumulative counters since the pipeline was created.
type Stats struct {
	Accepted uint64
	Dropped  uint64
	Rejected uint64
	Applied  uint64
	Failed   uint64
	Batches  uint64
}

// Pipeline owns a Book and is the only writer to it.
type Pipeline struct {
	cfg   Config
	queue chan DepthEvent
	seq   atomic.Uint64

	// bidsMu and asksMu guard one side each. When both are needed they are
	// taken bids first.
	bidsMu sync.Mutex
	asksMu sync.Mutex
	book   *book.Book

	reporter Reporter
	onChange func()
	log      zerolog.Logger

	// gate orders Enqueue against shutdown: once stopped is set under the
	// write lock no further event enters the queue.
	gate    sync.RWMutex
	stopped bool

	lifeMu  sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}

	accepted atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
	applied  atomic.Uint64
	failed   atomic.Uint64
	batches  atomic.Uint64

	// apply is swapped in tests to inject failures.
	apply func(b *book.Book, ev DepthEvent) error
}

// New creates a Pipeline around an empty book. A nil reporter logs and
// counts failures through a LogReporter.
func New(cfg Config, logger zerolog.Logger, reporter Reporter) *Pipeline {
	cfg = cfg.withDefaults()
	if reporter == nil {
		reporter = NewLogReporter(logger)
	}
	return &Pipeline{
		cfg:      cfg,
		queue:    make(chan DepthEvent, cfg.QueueCapacity),
		book:     book.New(),
		reporter: reporter,
		log:      logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		apply: func(b *book.Book, ev DepthEvent) error {
			return b.Apply(ev.Side, ev.Price, ev.Size)
		},
	}
}

// OnChange registers fn to run on the worker after every non-empty batch.
// Must be called before Start.
func (p *Pipeline) OnChange(fn func()) {
	p.onChange = fn
}

// Enqueue offers ev to the queue without blocking. It returns false when the
// event was malformed, the queue was full, or the pipeline has stopped; the
// reporter is told which.
func (p *Pipeline) Enqueue(ev DepthEvent) bool {
	if err := ev.validate(); err != nil {
		p.rejected.Add(1)
		p.reporter.Rejected(ev, err)
		return false
	}

	p.gate.RLock()
	defer p.gate.RUnlock()

	if p.stopped {
		p.rejected.Add(1)
		p.reporter.Rejected(ev, ErrStopped)
		return false
	}

	ev.Seq = p.seq.Add(1)
	select {
	case p.queue <- ev:
		p.accepted.Add(1)
		metrics.EventsAccepted.Inc()
		return true
	default:
		p.dropped.Add(1)
		p.reporter.Dropped(ev)
		return false
	}
}

// Start launches the worker. It returns ErrAlreadyStarted on a second call.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	go p.run(ctx)
	p.log.Info().
		Int("queue_capacity", p.cfg.QueueCapacity).
		Int("batch_size", p.cfg.BatchSize).
		Dur("throttle", p.cfg.Throttle).
		Msg("ingestion worker started")
	return nil
}

// Stop asks the worker to exit and waits until it has. The in-flight batch
// and every event accepted before Stop are applied first. Safe to call more
// than once, and before Start.
func (p *Pipeline) Stop() {
	p.lifeMu.Lock()
	started := p.started
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.lifeMu.Unlock()

	if !started {
		p.closeGate()
		return
	}
	<-p.done
}

// Done is closed once the worker has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	batch := make([]DepthEvent, 0, p.cfg.BatchSize)
	timer := time.NewTimer(p.cfg.Throttle)
	defer timer.Stop()

	for {
		batch = p.drain(batch[:0])
		p.applyBatch(batch)

		select {
		case <-ctx.Done():
			p.shutdown(batch)
			return
		case <-p.stop:
			p.shutdown(batch)
			return
		case <-timer.C:
			timer.Reset(p.cfg.Throttle)
		}
	}
}

// shutdown closes the gate and applies whatever was accepted before it.
func (p *Pipeline) shutdown(batch []DepthEvent) {
	p.closeGate()
	for {
		batch = p.drain(batch[:0])
		if len(batch) == 0 {
			break
		}
		p.applyBatch(batch)
	}
	s := p.Stats()
	p.log.Info().
		Uint64("applied", s.Applied).
		Uint64("dropped", s.Dropped).
		Msg("ingestion worker stopped")
}

func (p *Pipeline) closeGate() {
	p.gate.Lock()
	p.stopped = true
	p.gate.Unlock()
}

// drain takes whatever is queued, up to the batch size, without waiting.
func (p *Pipeline) drain(batch []DepthEvent) []DepthEvent {
	metrics.QueueDepth.Set(float64(len(p.queue)))
	for len(batch) < p.cfg.BatchSize {
		select {
		case ev := <-p.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (p *Pipeline) applyBatch(batch []DepthEvent) {
	if len(batch) == 0 {
		return
	}
	for _, ev := range batch {
		p.applyOne(ev)
	}

	p.batches.Add(1)
	metrics.Batches.Inc()
	metrics.BatchSize.Observe(float64(len(batch)))

	p.checkBook()

	if p.onChange != nil {
		p.onChange()
	}
}

func (p *Pipeline) applyOne(ev DepthEvent) {
	mu := &p.asksMu
	if ev.Side == book.Bid {
		mu = &p.bidsMu
	}

	mu.Lock()
	err := p.safeApply(ev)
	mu.Unlock()

	if err != nil {
		p.failed.Add(1)
		p.reporter.ApplyFailed(ev, err)
		return
	}
	p.applied.Add(1)
	metrics.EventsApplied.Inc()
}

func (p *Pipeline) safeApply(ev DepthEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrApplyPanic, r)
		}
	}()
	return p.apply(p.book, ev)
}

// checkBook reports a crossed book and refreshes the level gauges.
func (p *Pipeline) checkBook() {
	var (
		crossed          bool
		bestBid, bestAsk book.Level
		nBids, nAsks     int
	)
	p.Locked(func(b *book.Book) {
		crossed = b.Crossed()
		bestBid, _ = b.Best(book.Bid)
		bestAsk, _ = b.Best(book.Ask)
		nBids, nAsks = b.Len(book.Bid), b.Len(book.Ask)
	})

	metrics.BookLevels.WithLabelValues("bid").Set(float64(nBids))
	metrics.BookLevels.WithLabelValues("ask").Set(float64(nAsks))
	if crossed {
		p.reporter.Crossed(bestBid, bestAsk)
	}
}

// Locked runs fn with both side locks held, bids first. fn must only read
// the book and must not retain it.
func (p *Pipeline) Locked(fn func(b *book.Book)) {
	p.bidsMu.Lock()
	p.asksMu.Lock()
	defer func() {
		p.asksMu.Unlock()
		p.bidsMu.Unlock()
	}()
	fn(p.book)
}

// Best returns the best level of one side under that side's lock.
func (p *Pipeline) Best(side book.Side) (book.Level, bool) {
	mu := &p.asksMu
	if side == book.Bid {
		mu = &p.bidsMu
	}
	mu.Lock()
	defer mu.Unlock()
	return p.book.Best(side)
}

// Levels copies one side under that side's lock.
func (p *Pipeline) Levels(side book.Side) []book.Level {
	mu := &p.asksMu
	if side == book.Bid {
		mu = &p.bidsMu
	}
	mu.Lock()
	defer mu.Unlock()
	return p.book.Levels(side)
}

// Len returns the number of events waiting in the queue.
func (p *Pipeline) Len() int {
	return len(p.queue)
}

// Stats returns a copy of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted: p.accepted.Load(),
		Dropped:  p.dropped.Load(),
		Rejected: p.rejected.Load(),
		Applied:  p.applied.Load(),
		Failed:   p.failed.Load(),
		Batches:  p.batches.Load(),
	}
}
