package engine

import (
	"time"

	"github.com/caesar-terminal/depthbook/internal/ingest"
	"github.com/caesar-terminal/depthbook/internal/profile"
	"github.com/caesar-terminal/depthbook/internal/publish"
)

// Config holds every tunable of the aggregation core. It is a plain value;
// the core never reads files or the environment.
type Config struct {
	// Instrument labels published snapshots.
	Instrument string

	QueueCapacity int
	BatchSize     int
	Throttle      time.Duration
	MinInterval   time.Duration

	// ValueAreaFraction is the share of traded volume the value area must
	// cover, in (0, 1].
	ValueAreaFraction float64

	// ImbalanceLevels is how many levels per side feed the book imbalance.
	ImbalanceLevels int

	TickSize         profile.TickSize
	ClusterThreshold int64

	// StackRatioPct and StackMinVolume parameterise stacked imbalance. A
	// ratio of 300 means one side must hold more than three times the
	// other side's size at the same price.
	StackRatioPct  int64
	StackMinVolume int64
}

// DefaultConfig returns defaults for a single index-futures instrument.
func DefaultConfig() Config {
	ing := ingest.DefaultConfig()
	return Config{
		Instrument:        "ES",
		QueueCapacity:     ing.QueueCapacity,
		BatchSize:         ing.BatchSize,
		Throttle:          ing.Throttle,
		MinInterval:       publish.DefaultMinInterval,
		ValueAreaFraction: profile.DefaultValueAreaFraction,
		ImbalanceLevels:   5,
		TickSize:          profile.DefaultTickSize,
		ClusterThreshold:  100,
		StackRatioPct:     300,
		StackMinVolume:    30,
	}
}

func (c Config) ingestConfig() ingest.Config {
	return ingest.Config{
		QueueCapacity: c.QueueCapacity,
		BatchSize:     c.BatchSize,
		Throttle:      c.Throttle,
	}
}

// Stats summarises engine activity since creation.
type Stats struct {
	ingest.Stats

	TradesMerged   uint64
	TradesRejected uint64
	Published      uint64
	PublishFailed  uint64
	QueueLen       int
}
