package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/logging"
)

// recordingReporter captures every failure callback.
type recordingReporter struct {
	mu       sync.Mutex
	dropped  []DepthEvent
	rejected []error
	failed   []error
	crossed  int
}

func (r *recordingReporter) Dropped(ev DepthEvent) {
	r.mu.Lock()
	r.dropped = append(r.dropped, ev)
	r.mu.Unlock()
}

func (r *recordingReporter) Rejected(_ DepthEvent, err error) {
	r.mu.Lock()
	r.rejected = append(r.rejected, err)
	r.mu.Unlock()
}

func (r *recordingReporter) ApplyFailed(_ DepthEvent, err error) {
	r.mu.Lock()
	r.failed = append(r.failed, err)
	r.mu.Unlock()
}

func (r *recordingReporter) Crossed(_, _ book.Level) {
	r.mu.Lock()
	r.crossed++
	r.mu.Unlock()
}

func newTestPipeline(cfg Config) (*Pipeline, *recordingReporter) {
	rep := &recordingReporter{}
	return New(cfg, logging.Nop(), rep), rep
}

func fastConfig() Config {
	return Config{QueueCapacity: 1024, BatchSize: 64, Throttle: time.Millisecond}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPipeline_Backpressure(t *testing.T) {
	p, rep := newTestPipeline(Config{QueueCapacity: 1, BatchSize: 1, Throttle: time.Millisecond})

	// Worker not started: the second event finds the queue full.
	if !p.Enqueue(DepthEvent{Side: book.Bid, Price: 100, Size: 1}) {
		t.Fatal("first enqueue should be accepted")
	}
	if p.Enqueue(DepthEvent{Side: book.Bid, Price: 101, Size: 1}) {
		t.Fatal("second enqueue should be dropped")
	}

	s := p.Stats()
	if s.Accepted != 1 || s.Dropped != 1 {
		t.Fatalf("stats = %+v, want 1 accepted 1 dropped", s)
	}
	if len(rep.dropped) != 1 || rep.dropped[0].Price != 101 {
		t.Fatalf("reporter dropped = %+v", rep.dropped)
	}
	if p.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", p.Len())
	}
}

func TestPipeline_AppliesScenario(t *testing.T) {
	p, _ := newTestPipeline(fastConfig())

	changed := make(chan struct{}, 16)
	p.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	p.Enqueue(DepthEvent{Side: book.Bid, Price: 100, Size: 5})
	p.Enqueue(DepthEvent{Side: book.Bid, Price: 100, Size: 0})
	p.Enqueue(DepthEvent{Side: book.Ask, Price: 101, Size: 3})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	waitFor(t, func() bool { return p.Stats().Applied == 3 })

	if lv := p.Levels(book.Bid); len(lv) != 0 {
		t.Fatalf("bids = %+v, want empty", lv)
	}
	ask, ok := p.Best(book.Ask)
	if !ok || ask != (book.Level{Price: 101, Size: 3}) {
		t.Fatalf("best ask = %+v, %v", ask, ok)
	}

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("OnChange not called")
	}
}

func TestPipeline_StartTwice(t *testing.T) {
	p, _ := newTestPipeline(fastConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestPipeline_RejectsMalformed(t *testing.T) {
	p, rep := newTestPipeline(fastConfig())

	if p.Enqueue(DepthEvent{Side: book.Bid, Price: 100, Size: -1}) {
		t.Fatal("negative size accepted")
	}
	if p.Enqueue(DepthEvent{Side: book.Side(9), Price: 100, Size: 1}) {
		t.Fatal("unknown side accepted")
	}

	if p.Stats().Rejected != 2 {
		t.Fatalf("rejected = %d, want 2", p.Stats().Rejected)
	}
	for _, err := range rep.rejected {
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("err = %v, want ErrMalformedEvent", err)
		}
	}
	if p.Len() != 0 {
		t.Fatal("malformed event reached the queue")
	}
}

func TestPipeline_ConcurrentProducersExactlyOnce(t *testing.T) {
	const producers, perProducer = 8, 500
	p, _ := newTestPipeline(Config{QueueCapacity: 256, BatchSize: 32, Throttle: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				side := book.Bid
				if i%2 == 1 {
					side = book.Ask
				}
				// Distinct price per event so every applied event adds a level.
				price := int64(w*perProducer + i)
				p.Enqueue(DepthEvent{Side: side, Price: price, Size: 1})
			}
		}(w)
	}
	wg.Wait()
	p.Stop()

	s := p.Stats()
	if s.Accepted+s.Dropped != producers*perProducer {
		t.Fatalf("accepted %d + dropped %d != %d", s.Accepted, s.Dropped, producers*perProducer)
	}
	if s.Applied != s.Accepted {
		t.Fatalf("applied %d != accepted %d", s.Applied, s.Accepted)
	}
	levels := len(p.Levels(book.Bid)) + len(p.Levels(book.Ask))
	if uint64(levels) != s.Accepted {
		t.Fatalf("book holds %d levels, want %d", levels, s.Accepted)
	}
}

func TestPipeline_PreservesPerSideOrder(t *testing.T) {
	p, _ := newTestPipeline(fastConfig())

	for size := int64(1); size <= 50; size++ {
		p.Enqueue(DepthEvent{Side: book.Ask, Price: 200, Size: size})
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()

	ask, ok := p.Best(book.Ask)
	if !ok || ask.Size != 50 {
		t.Fatalf("best ask = %+v, want last write (size 50)", ask)
	}
}

func TestPipeline_ApplyPanicIsolated(t *testing.T) {
	p, rep := newTestPipeline(fastConfig())
	p.apply = func(b *book.Book, ev DepthEvent) error {
		if ev.Price == 13 {
			panic("bad level")
		}
		return b.Apply(ev.Side, ev.Price, ev.Size)
	}

	p.Enqueue(DepthEvent{Side: book.Bid, Price: 12, Size: 1})
	p.Enqueue(DepthEvent{Side: book.Bid, Price: 13, Size: 1})
	p.Enqueue(DepthEvent{Side: book.Bid, Price: 14, Size: 1})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()

	s := p.Stats()
	if s.Applied != 2 || s.Failed != 1 {
		t.Fatalf("stats = %+v, want 2 applied 1 failed", s)
	}
	if len(rep.failed) != 1 || !errors.Is(rep.failed[0], ErrApplyPanic) {
		t.Fatalf("failed = %v, want one ErrApplyPanic", rep.failed)
	}
	if got := len(p.Levels(book.Bid)); got != 2 {
		t.Fatalf("bid levels = %d, want 2", got)
	}
}

func TestPipeline_StopDrainsAndCloses(t *testing.T) {
	// A long throttle means the worker is asleep when Stop arrives.
	p, rep := newTestPipeline(Config{QueueCapacity: 64, BatchSize: 4, Throttle: time.Hour})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	for i := int64(1); i <= 10; i++ {
		p.Enqueue(DepthEvent{Side: book.Bid, Price: i, Size: 1})
	}
	p.Stop()

	if got := p.Stats().Applied; got != 10 {
		t.Fatalf("applied = %d, want 10", got)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	if p.Enqueue(DepthEvent{Side: book.Bid, Price: 99, Size: 1}) {
		t.Fatal("enqueue after Stop accepted")
	}
	if len(rep.rejected) != 1 || !errors.Is(rep.rejected[0], ErrStopped) {
		t.Fatalf("rejected = %v, want ErrStopped", rep.rejected)
	}
}

func TestPipeline_ReportsCrossedBook(t *testing.T) {
	p, rep := newTestPipeline(fastConfig())
	p.Enqueue(DepthEvent{Side: book.Bid, Price: 102, Size: 1})
	p.Enqueue(DepthEvent{Side: book.Ask, Price: 101, Size: 1})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.crossed == 0 {
		t.Fatal("crossed book not reported")
	}
}

func TestPipeline_StopBeforeStart(t *testing.T) {
	p, _ := newTestPipeline(fastConfig())
	p.Stop()
	p.Stop()
	if p.Enqueue(DepthEvent{Side: book.Bid, Price: 1, Size: 1}) {
		t.Fatal("enqueue accepted after Stop")
	}
}
