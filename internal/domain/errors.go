package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrLockHeld       = errors.New("lock already held")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrCloseRejected  = errors.New("close rejected")
	ErrMarketData     = errors.New("market data unavailable")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRateLimited    = errors.New("rate limited")
	ErrStreamClosed   = errors.New("stream disconnected")
	ErrEngineStopped  = errors.New("engine not running")
	ErrAlreadyRunning = errors.New("engine already running")
)
