package ingest

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// Reporter is told about every event the pipeline could not apply. Calls
// come from the producer goroutine (Dropped, Rejected) or the worker
// (ApplyFailed, Crossed) and must not block.
type Reporter interface {
	Dropped(ev DepthEvent)
	Rejected(ev DepthEvent, err error)
	ApplyFailed(ev DepthEvent, err error)
	Crossed(bestBid, bestAsk book.Level)
}

// LogReporter counts failures in Prometheus and logs them. Overflow
// warnings are sampled so a saturated queue cannot flood the log.
type LogReporter struct {
	log     zerolog.Logger
	hotPath zerolog.Logger
}

func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{
		log:     logger,
		hotPath: logging.Sampled(logger, 5),
	}
}

func (r *LogReporter) Dropped(ev DepthEvent) {
	metrics.EventsDropped.Inc()
	r.hotPath.Warn().Err(ErrQueueFull).
		Str("side", ev.Side.String()).
		Int64("price", ev.Price).
		Int64("size", ev.Size).
		Msg("dropping depth event")
}

func (r *LogReporter) Rejected(ev DepthEvent, err error) {
	reason := "malformed"
	if errors.Is(err, ErrStopped) {
		reason = "stopped"
	}
	metrics.EventsRejected.WithLabelValues(reason).Inc()
	r.hotPath.Warn().Err(err).Msg("rejected depth event")
}

func (r *LogReporter) ApplyFailed(ev DepthEvent, err error) {
	metrics.ApplyFailures.Inc()
	r.log.Error().Err(err).
		Uint64("seq", ev.Seq).
		Str("side", ev.Side.String()).
		Int64("price", ev.Price).
		Msg("apply failed, skipping event")
}

func (r *LogReporter) Crossed(bestBid, bestAsk book.Level) {
	metrics.InvariantFailures.Inc()
	r.hotPath.Error().
		Int64("best_bid", bestBid.Price).
		Int64("best_ask", bestAsk.Price).
		Msg("book crossed after batch")
}
