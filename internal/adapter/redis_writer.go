package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
	"github.com/caesar-terminal/depthbook/internal/publish"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by *GoRedis; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// GoRedis adapts *redis.Client to RedisClient.
type GoRedis struct {
	*redis.Client
}

// NewRedisClient opens a go-redis client. The connection is lazy; call Ping
// to verify it.
func NewRedisClient(addr, password string, db int) *GoRedis {
	return &GoRedis{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// HSet writes hash fields and reports only the error.
func (g *GoRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.Client.HSet(ctx, key, values...).Err()
}

// Ping checks connectivity.
func (g *GoRedis) Ping(ctx context.Context) error {
	return g.Client.Ping(ctx).Err()
}

// Summarize reduces a snapshot to its top of book and profile statistics.
// Prices are display prices; absent values are "0".
func Summarize(s publish.Snapshot) SnapshotSummary {
	sum := SnapshotSummary{
		Instrument: s.Instrument,
		Seq:        s.Seq,
		Bid:        "0",
		Ask:        "0",
		POC:        "0",
		VALow:      "0",
		VAHigh:     "0",
		Imbalance:  s.Imbalance,
		TakenAt:    s.TakenAt,
	}
	if bid, ok := s.BestBid(); ok {
		sum.Bid, sum.BidSize = s.DisplayPrice(bid.Price).String(), bid.Size
	}
	if ask, ok := s.BestAsk(); ok {
		sum.Ask, sum.AskSize = s.DisplayPrice(ask.Price).String(), ask.Size
	}
	if s.HasPOC {
		sum.POC = s.DisplayPrice(s.PointOfControl.Price).String()
	}
	if s.HasValueArea {
		sum.VALow = s.DisplayPrice(s.ValueArea.Low).String()
		sum.VAHigh = s.DisplayPrice(s.ValueArea.High).String()
	}
	return sum
}

// RedisWriter consumes a Broadcaster subscription and persists a summary of
// every snapshot into Redis using the schema:
//
//	Key:    dom:{instrument}
//	Fields: bid, bid_size, ask, ask_size, poc, va_low, va_high, imbalance, ts
//
// Writes are non-blocking: snapshots are buffered in an internal channel and
// flushed by a dedicated goroutine. Unchanged summaries are suppressed.
type RedisWriter struct {
	client RedisClient
	feed   <-chan publish.Snapshot
	buf    chan publish.Snapshot
	log    zerolog.Logger

	mu   sync.Mutex
	last map[string]SnapshotSummary // keyed by Redis key, Seq and TakenAt zeroed
}

// NewRedisWriter creates a RedisWriter that reads snapshots from feed.
func NewRedisWriter(client RedisClient, feed <-chan publish.Snapshot, logger zerolog.Logger) *RedisWriter {
	return &RedisWriter{
		client: client,
		feed:   feed,
		buf:    make(chan publish.Snapshot, 256),
		log:    logging.Component(logger, "redis"),
		last:   make(map[string]SnapshotSummary),
	}
}

// Run starts two goroutines: one to drain the feed into an internal buffer,
// and one to flush buffered snapshots to Redis. It blocks until ctx is
// cancelled or the feed closes and the buffer is flushed.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(rw.buf)
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- snap:
				default:
					metrics.SubscriberDrops.Inc()
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for snap := range rw.buf {
			if ctx.Err() != nil {
				return
			}
			rw.write(ctx, snap)
		}
	}()

	wg.Wait()
}

// write checks for an unchanged summary and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context, snap publish.Snapshot) {
	sum := Summarize(snap)
	key := fmt.Sprintf("dom:%s", sum.Instrument)

	cmp := sum
	cmp.Seq, cmp.TakenAt = 0, time.Time{}

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev == cmp {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = cmp
	rw.mu.Unlock()

	err := rw.client.HSet(ctx, key,
		"bid", sum.Bid,
		"bid_size", strconv.FormatInt(sum.BidSize, 10),
		"ask", sum.Ask,
		"ask_size", strconv.FormatInt(sum.AskSize, 10),
		"poc", sum.POC,
		"va_low", sum.VALow,
		"va_high", sum.VAHigh,
		"imbalance", strconv.FormatFloat(sum.Imbalance, 'f', 4, 64),
		"ts", strconv.FormatInt(sum.TakenAt.UnixMilli(), 10),
	)
	if err != nil {
		metrics.SinkErrors.WithLabelValues("redis").Inc()
		rw.log.Error().Err(err).Str("key", key).Msg("HSET failed")
		// Forget the summary so the next snapshot retries.
		rw.mu.Lock()
		delete(rw.last, key)
		rw.mu.Unlock()
		return
	}
	metrics.SinkWrites.WithLabelValues("redis").Inc()
}
