// Package resilience provides the fault-tolerance primitives used to wrap
// outbound dependency calls: bounded retry with jittered exponential
// backoff for startup connects, and a three-state circuit breaker for
// runtime calls against external services.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeromicro/go-zero/core/logx"
)

// RetryConfig mirrors the original engine's retry policy: bounded attempts,
// exponential backoff between initial_delay and max_delay, with jitter
// adding up to ±30% of the computed delay.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig is a general-purpose policy (3 attempts, 100ms initial
// delay). The service's startup connects build their policy from
// config.Resilience instead.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry executes fn, retrying on error until it succeeds or MaxAttempts is
// exhausted. Used only for startup dependency connects (store, cache, bus)
// per the resilience spec — runtime operations fail fast instead.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialDelay
	policy.MaxInterval = cfg.MaxDelay
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = 0 // jitter applied explicitly below
	policy.MaxElapsedTime = 0      // bounded by attempt count, not elapsed time

	var attempt int
	var lastErr error

	for attempt = 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logx.Infof("resilience: %s succeeded after %d attempts", name, attempt)
			}
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := policy.NextBackOff()
		if cfg.Jitter {
			delay = applyJitter(delay)
		}
		logx.Infof("resilience: %s attempt %d/%d failed: %v, retrying in %s", name, attempt, cfg.MaxAttempts, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logx.Errorf("resilience: %s exhausted %d attempts: %v", name, cfg.MaxAttempts, lastErr)
	return lastErr
}

// applyJitter adds up to ±30% of delay, sourced from a time-seeded PRNG.
func applyJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	spread := float64(delay) * 0.3
	offset := (rand.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(delay) + offset)
	if jittered < 0 {
		return 0
	}
	return jittered
}
