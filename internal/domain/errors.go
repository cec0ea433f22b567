package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrRateLimited           = errors.New("rate limited")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrUnknownVenue          = errors.New("unknown venue")
	ErrUnsupportedAsset      = errors.New("asset not listed on venue")
	ErrUnknownTimeframe      = errors.New("unknown timeframe")
	ErrConnectTimeout        = errors.New("connect timeout")
	ErrWSDisconnect          = errors.New("websocket disconnected")
	ErrStopped               = errors.New("stopped")
	ErrNoPrice               = errors.New("no price available")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrLockHeld              = errors.New("lock held elsewhere")
)
