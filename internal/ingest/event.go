package ingest

import (
	"errors"
	"fmt"

	"github.com/caesar-terminal/depthbook/internal/book"
)

// Sentinel errors.
var (
	ErrQueueFull      = errors.New("ingestion queue full")
	ErrMalformedEvent = errors.New("malformed depth event")
	ErrApplyPanic     = errors.New("panic while applying depth event")
	ErrAlreadyStarted = errors.New("pipeline already started")
	ErrStopped        = errors.New("pipeline stopped")
)

// DepthEvent is a single update to one resting price level. Seq is assigned
// by the pipeline when the event is accepted.
type DepthEvent struct {
	Side  book.Side
	Price int64
	Size  int64
	Seq   uint64
}

func (e DepthEvent) validate() error {
	if !e.Side.Valid() {
		return fmt.Errorf("%w: unknown side %d", ErrMalformedEvent, e.Side)
	}
	if e.Size < 0 {
		return fmt.Errorf("%w: negative size %d @ %d", ErrMalformedEvent, e.Size, e.Price)
	}
	return nil
}
