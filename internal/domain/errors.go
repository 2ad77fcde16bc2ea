package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidOrder       = errors.New("invalid order parameters")
	ErrQueueFull          = errors.New("queue full")
	ErrQueueClosed        = errors.New("queue closed")
	ErrNoLiquidity        = errors.New("no liquidity")
	ErrCancelNotFound     = errors.New("order not found or already terminal")
	ErrBookHalted         = errors.New("book halted")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrShuttingDown       = errors.New("server shutting down")
	ErrLockHeld           = errors.New("lock held by another process")
)
