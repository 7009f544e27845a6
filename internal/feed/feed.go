// Package feed provides market price sources that push top-of-book quotes
// into the order engine.
package feed

import (
	"context"

	"perpcore/internal/domain"
)

// Sink receives every quote produced by a Feed.
type Sink func(domain.Price)

// Feed produces quotes until its context is cancelled.
type Feed interface {
	// Name returns the feed identifier (e.g. "alpaca", "sim").
	Name() string

	// Run streams quotes to sink. It blocks until ctx is cancelled or an
	// unrecoverable error occurs.
	Run(ctx context.Context, sink Sink) error
}
