// pkg/transport/backoff.go
package transport

import (
	"math/rand"
	"time"
)

// BackoffConfig holds configuration for calculating backoff durations.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// DefaultBackoff is used by connectors unless configured otherwise.
var DefaultBackoff = BackoffConfig{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
	Multiplier:      2,
	Jitter:          true,
}

// CalculateBackoff computes the delay before retry number retryCount.
func CalculateBackoff(retryCount int, config BackoffConfig) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := float64(config.InitialInterval)
	for i := 0; i < retryCount; i++ {
		delay *= config.Multiplier
		if delay > float64(config.MaxInterval) {
			delay = float64(config.MaxInterval)
			break
		}
	}

	if config.Jitter {
		// delay * [0.75, 1.25)
		delay += delay * 0.25 * (rand.Float64()*2 - 1)
	}

	if delay > float64(config.MaxInterval) {
		delay = float64(config.MaxInterval)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
