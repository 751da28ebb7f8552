package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
	"github.com/caesar-terminal/depthbook/internal/publish"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaWriter.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaProducer returns a synchronous writer that waits for all replicas.
func NewKafkaProducer(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// snapshotRecord is the exported form of a snapshot. Levels are
// [tick, size] pairs; profile entries are [tick, volume].
type snapshotRecord struct {
	SnapshotSummary
	TickSize   string     `json:"tick_size"`
	Bids       [][2]int64 `json:"bids"`
	Asks       [][2]int64 `json:"asks"`
	Profile    [][2]int64 `json:"profile"`
	Clusters   [][2]int64 `json:"clusters,omitempty"`
	StackedAsk int64      `json:"stacked_ask"`
	StackedBid int64      `json:"stacked_bid"`
}

func newSnapshotRecord(s publish.Snapshot) snapshotRecord {
	rec := snapshotRecord{
		SnapshotSummary: Summarize(s),
		TickSize:        s.TickSize.String(),
		Bids:            make([][2]int64, len(s.Bids)),
		Asks:            make([][2]int64, len(s.Asks)),
		Profile:         make([][2]int64, len(s.Profile)),
		StackedAsk:      s.StackedAsk,
		StackedBid:      s.StackedBid,
	}
	for i, l := range s.Bids {
		rec.Bids[i] = [2]int64{l.Price, l.Size}
	}
	for i, l := range s.Asks {
		rec.Asks[i] = [2]int64{l.Price, l.Size}
	}
	for i, b := range s.Profile {
		rec.Profile[i] = [2]int64{b.Price, b.Volume}
	}
	for _, b := range s.Clusters {
		rec.Clusters = append(rec.Clusters, [2]int64{b.Price, b.Volume})
	}
	return rec
}

// KafkaWriter exports every snapshot from a Broadcaster subscription as a
// JSON message keyed by instrument.
type KafkaWriter struct {
	w    MessageWriter
	feed <-chan publish.Snapshot
	log  zerolog.Logger
}

// NewKafkaWriter creates a KafkaWriter reading snapshots from feed.
func NewKafkaWriter(w MessageWriter, feed <-chan publish.Snapshot, logger zerolog.Logger) *KafkaWriter {
	return &KafkaWriter{
		w:    w,
		feed: feed,
		log:  logging.Component(logger, "kafka"),
	}
}

// Run writes snapshots until ctx is cancelled or the feed closes, then
// closes the writer.
func (kw *KafkaWriter) Run(ctx context.Context) {
	defer func() {
		if err := kw.w.Close(); err != nil {
			kw.log.Warn().Err(err).Msg("close writer")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-kw.feed:
			if !ok {
				return
			}
			kw.write(ctx, snap)
		}
	}
}

func (kw *KafkaWriter) write(ctx context.Context, snap publish.Snapshot) {
	value, err := json.Marshal(newSnapshotRecord(snap))
	if err != nil {
		metrics.SinkErrors.WithLabelValues("kafka").Inc()
		kw.log.Error().Err(err).Msg("encode snapshot")
		return
	}

	err = kw.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(snap.Instrument),
		Value: value,
		Time:  snap.TakenAt,
	})
	if err != nil {
		metrics.SinkErrors.WithLabelValues("kafka").Inc()
		kw.log.Error().Err(err).Uint64("seq", snap.Seq).Msg("write snapshot")
		return
	}
	metrics.SinkWrites.WithLabelValues("kafka").Inc()
}
