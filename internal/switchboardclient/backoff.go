package switchboardclient

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the reconnect delay curve: exponential backoff from
// BaseDelay, capped at MaxDelay, with ±JitterFactor randomization so many
// clients reconnecting at once don't thunder in lockstep.
type BackoffConfig struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultBackoffConfig caps reconnect delay at 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// calculateBackoff computes baseDelay * 2^attempt, capped at MaxDelay, with
// jitter applied.
func calculateBackoff(attempt int, cfg BackoffConfig) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(cfg.BaseDelay) * multiplier)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterFactor > 0 {
		jitter := float64(delay) * cfg.JitterFactor
		jitterAmount := (rand.Float64()*2 - 1) * jitter
		delay = time.Duration(float64(delay) + jitterAmount)
		if delay < 0 {
			delay = cfg.BaseDelay
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return delay
}
