package engine

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel errors returned by Config.Validate.
var (
	ErrInvalidConfig     = errors.New("invalid engine config")
	ErrQueueCapacity     = errors.New("queue capacity must be positive")
	ErrBatchSize         = errors.New("batch size must be positive")
	ErrThrottle          = errors.New("throttle must be positive")
	ErrMinInterval       = errors.New("min publish interval must be positive")
	ErrValueAreaFraction = errors.New("value area fraction must be in (0, 1]")
	ErrImbalanceLevels   = errors.New("imbalance levels must be positive")
	ErrStackParams       = errors.New("stacked imbalance parameters must be non-negative")
)

// Validate checks the config and fails fast on the first bad value. Errors
// wrap both ErrInvalidConfig and the specific sentinel.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: %d", ErrQueueCapacity, c.QueueCapacity)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrBatchSize, c.BatchSize)
	}
	if c.Throttle <= 0 {
		return fmt.Errorf("%w: %s", ErrThrottle, c.Throttle)
	}
	if c.MinInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrMinInterval, c.MinInterval)
	}
	f := c.ValueAreaFraction
	if math.IsNaN(f) || f <= 0 || f > 1 {
		return fmt.Errorf("%w: %v", ErrValueAreaFraction, f)
	}
	if c.ImbalanceLevels <= 0 {
		return fmt.Errorf("%w: %d", ErrImbalanceLevels, c.ImbalanceLevels)
	}
	if c.StackRatioPct < 0 || c.StackMinVolume < 0 || c.ClusterThreshold < 0 {
		return fmt.Errorf("%w: ratio=%d min=%d cluster=%d",
			ErrStackParams, c.StackRatioPct, c.StackMinVolume, c.ClusterThreshold)
	}
	return nil
}
