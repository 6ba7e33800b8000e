package runctx

import (
	"context"

	"orderpulse/internal/logging"
)

func RecvOrDone[T any](ctx context.Context, name string, logger *logging.Logger, in <-chan T) (T, bool) {
	if logger == nil {
		panic("runctx.RecvOrDone: logger must not be nil")
	}
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context canceled", logging.Field("error", ctx.Err()))
		var zero T
		return zero, false
	case v, ok := <-in:
		if !ok {
			logger.Debug("stopping " + name + ": input channel closed")
		}
		return v, ok
	}
}

// Signal does a non-blocking send on a buffered wake-up channel. A pending
// signal already covers the new one.
func Signal(out chan<- struct{}) {
	select {
	case out <- struct{}{}:
	default:
	}
}
