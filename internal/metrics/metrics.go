package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Ingestion.
	EventsAccepted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_events_accepted_total", Help: "Depth events accepted into the ingestion queue"})
	EventsDropped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_events_dropped_total", Help: "Depth events dropped because the queue was full"})
	EventsRejected    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_events_rejected_total", Help: "Malformed depth events rejected at the pipeline boundary"}, []string{"reason"})
	EventsApplied     = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_events_applied_total", Help: "Depth events applied to the book"})
	ApplyFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_apply_failures_total", Help: "Depth events that failed to apply"})
	Batches           = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_batches_total", Help: "Non-empty batches drained by the ingestion worker"})
	BatchSize         = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "depthbook_batch_size", Help: "Events per drained batch", Buckets: prometheus.ExponentialBuckets(1, 2, 12)})
	QueueDepth        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "depthbook_queue_depth", Help: "Events waiting in the ingestion queue"})
	InvariantFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_invariant_violations_total", Help: "Batches that left the book crossed"})
	BookLevels        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "depthbook_book_levels", Help: "Resting price levels by side"}, []string{"side"})

	// Volume profile.
	TradesMerged   = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_trades_merged_total", Help: "Trades merged into the volume profile"})
	TradesRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_trades_rejected_total", Help: "Trades rejected by the volume profile"})

	// Publication.
	SnapshotsPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_snapshots_published_total", Help: "Snapshots handed to the renderer"})
	PublishFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_publish_failures_total", Help: "Renderer failures caught at the publish boundary"})
	CaptureLatencyUs   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "depthbook_capture_latency_us", Help: "Time spent holding book and profile locks during capture", Buckets: prometheus.ExponentialBuckets(1, 2, 16)})
	SubscriberDrops    = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_subscriber_drops_total", Help: "Snapshots dropped for slow subscribers"})

	// Sinks and feed.
	SinkWrites     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_sink_writes_total", Help: "Snapshot sink writes by sink"}, []string{"sink"})
	SinkErrors     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depthbook_sink_errors_total", Help: "Snapshot sink errors by sink"}, []string{"sink"})
	FeedReconnects = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_feed_reconnects_total", Help: "Upstream feed reconnects"})
	FeedDecodeErrs = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_feed_decode_errors_total", Help: "Upstream messages that failed to decode"})
	FeedDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "depthbook_feed_dropped_total", Help: "Upstream messages dropped because the decoder fell behind"})
	FeedStaleness  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "depthbook_feed_staleness_ms", Help: "Milliseconds since the last market-data message"})
)

// Init registers every collector on a fresh registry.
func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		EventsAccepted, EventsDropped, EventsRejected, EventsApplied, ApplyFailures,
		Batches, BatchSize, QueueDepth, InvariantFailures, BookLevels,
		TradesMerged, TradesRejected,
		SnapshotsPublished, PublishFailures, CaptureLatencyUs, SubscriberDrops,
		SinkWrites, SinkErrors, FeedReconnects, FeedDecodeErrs, FeedDropped, FeedStaleness,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil {
			logger.Warn().Err(err).Msg("metric registration failed")
		}
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
