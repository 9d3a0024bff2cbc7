// Package retry implements bounded retry with exponential backoff for
// agent calls. Delays are deterministic: min(base * multiplier^(n-1), max)
// for the n-th attempt, no jitter.
package retry

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/protocol"
)

type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	RetryableCodes map[int]struct{}
}

func Default() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		RetryableCodes: protocol.DefaultRetryableCodes(),
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Multiplier < 1 {
		c.Multiplier = 1
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.RetryableCodes == nil {
		c.RetryableCodes = protocol.DefaultRetryableCodes()
	}
	return c
}

// ShouldRetry reports whether attempt (1-indexed) may be followed by
// another one. Non-retryable codes abort on the first attempt no matter
// how much budget remains.
func ShouldRetry(err *protocol.RPCError, attempt int, cfg Config) bool {
	cfg = cfg.normalized()
	if err == nil || attempt >= cfg.MaxAttempts {
		return false
	}
	_, ok := cfg.RetryableCodes[err.Code]
	return ok
}

// DelayFor returns the backoff delay applied after attempt (1-indexed).
func DelayFor(attempt int, cfg Config) time.Duration {
	cfg = cfg.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// Fn is one attempt of a call, resolving to result bytes or a structured error.
type Fn func(ctx context.Context) (json.RawMessage, *protocol.RPCError)

// Do drives the retry loop. A success short-circuits immediately; a
// retryable failure waits out the backoff delay before the next attempt.
// The hook, when non-nil, fires before each wait and is used for metrics.
func Do(ctx context.Context, cfg Config, fn Fn, onRetry func(attempt int, err *protocol.RPCError)) (json.RawMessage, *protocol.RPCError) {
	cfg = cfg.normalized()

	var lastErr *protocol.RPCError
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !ShouldRetry(err, attempt, cfg) {
			return nil, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if werr := wait(ctx, DelayFor(attempt, cfg)); werr != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
