package adapter

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
	"github.com/caesar-terminal/depthbook/internal/publish"
)

// Broadcaster is a one-to-many hub for published snapshots. It implements
// publish.Renderer, so the publisher hands it every snapshot; subscribers
// each get their own buffered channel.
type Broadcaster struct {
	log     zerolog.Logger
	hotPath zerolog.Logger

	mu     sync.RWMutex
	subs   []chan publish.Snapshot
	closed bool
}

// NewBroadcaster creates a Broadcaster with no subscribers.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	log := logging.Component(logger, "broadcaster")
	return &Broadcaster{
		log:     log,
		hotPath: logging.Sampled(log, 5),
	}
}

// Subscribe returns a channel that receives every published snapshot. The
// caller must drain the channel; when it is full snapshots are dropped for
// that subscriber only.
func (b *Broadcaster) Subscribe(buffer int) <-chan publish.Snapshot {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan publish.Snapshot, buffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()

	return ch
}

// Render distributes s to all subscribers without blocking.
func (b *Broadcaster) Render(s publish.Snapshot) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i, ch := range b.subs {
		select {
		case ch <- s:
		default:
			metrics.SubscriberDrops.Inc()
			b.hotPath.Warn().Int("subscriber", i).Uint64("seq", s.Seq).
				Msg("dropping snapshot for slow subscriber")
		}
	}
	return nil
}

// Close closes every subscriber channel. Later Renders are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
