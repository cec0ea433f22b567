package domain

import (
	"context"
	"time"
)

// Discovery resolves prediction-market windows to their outcome tokens.
// Implementations perform network I/O and must only be called off the
// orchestration tick.
type Discovery interface {
	GetMarket(ctx context.Context, asset string, tf Timeframe) (Market, error)
	GetNextMarket(ctx context.Context, asset string, tf Timeframe, windowStart time.Time) (Market, error)
}

// TokenPricer answers the current mid price of a single token over HTTP.
type TokenPricer interface {
	TokenMidPrice(ctx context.Context, tokenID string) (float64, error)
}

// SpotPricer answers a spot reference price over HTTP.
type SpotPricer interface {
	SpotPrice(ctx context.Context, asset string) (float64, error)
}
