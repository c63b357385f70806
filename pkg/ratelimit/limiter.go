// Package ratelimit controls the pace of outbound operations such as REST
// requests and WebSocket connection attempts, keeping the module inside the
// exchange's published limits. It wraps Uber's token-bucket limiter behind a
// small interface so the rest of the module never touches the library
// directly and tests can substitute a no-op limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

// Rate describes how many operations are allowed within an interval, e.g.
// {Limit: 100, Interval: time.Minute} permits 100 operations per minute.
type Rate struct {
	Limit    int
	Interval time.Duration
}

// RateLimiter paces operations according to a configured Rate.
type RateLimiter interface {
	// Wait blocks until the next operation is permitted or the context is
	// cancelled. It must be called before each rate-limited operation.
	Wait(ctx context.Context) error

	// SetLimit replaces the rate configuration at runtime. Returns an error
	// if the limit or interval is not positive.
	SetLimit(rate Rate) error
}

// tokenBucket implements RateLimiter on top of go.uber.org/ratelimit.
type tokenBucket struct {
	mu      sync.Mutex
	limiter ratelimit.Limiter
	rate    Rate
}

// NewTokenBucketLimiter creates a limiter allowing rate.Limit operations per
// rate.Interval, smoothed into an even per-second pace.
func NewTokenBucketLimiter(rate Rate) RateLimiter {
	return &tokenBucket{
		limiter: ratelimit.New(perSecond(rate)),
		rate:    rate,
	}
}

func perSecond(rate Rate) int {
	rps := int(float64(rate.Limit) / rate.Interval.Seconds())
	if rps < 1 {
		rps = 1
	}
	return rps
}

func (l *tokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
	default:
	}

	l.mu.Lock()
	limiter := l.limiter
	l.mu.Unlock()

	limiter.Take()
	return nil
}

func (l *tokenBucket) SetLimit(rate Rate) error {
	if rate.Limit <= 0 || rate.Interval <= 0 {
		return fmt.Errorf("invalid rate limit: %+v", rate)
	}

	l.mu.Lock()
	l.limiter = ratelimit.New(perSecond(rate))
	l.rate = rate
	l.mu.Unlock()
	return nil
}

// unlimited performs no pacing. Used in tests and when a component opts out
// of rate limiting entirely.
type unlimited struct{}

// NewUnlimited returns a limiter that never blocks.
func NewUnlimited() RateLimiter { return unlimited{} }

func (unlimited) Wait(ctx context.Context) error { return ctx.Err() }
func (unlimited) SetLimit(Rate) error            { return nil }
