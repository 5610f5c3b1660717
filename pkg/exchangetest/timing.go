// pkg/exchangetest/timing.go
package exchangetest

import (
	"fmt"
	"time"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
)

// SafetyMargin is added to the expected reclamation time.
const SafetyMargin = 300 * time.Millisecond

// ConfigSource provides the two timing values the harness needs, in
// milliseconds.
type ConfigSource interface {
	GetLong(key string) (int64, error)
	GetInt(key string) (int, error)
}

var _ ConfigSource = (*config.NetworkConfig)(nil)

// WaitBudget is how long to wait for exchanges to be reclaimed and how often
// to check.
type WaitBudget struct {
	Budget       time.Duration
	PollInterval time.Duration
}

// ComputeWaitBudget returns lifetime + sweep + SafetyMargin, polled ten
// times.
func ComputeWaitBudget(lifetime, sweep time.Duration) WaitBudget {
	budget := lifetime + sweep + SafetyMargin
	return WaitBudget{
		Budget:       budget,
		PollInterval: budget / 10,
	}
}

// BudgetFromConfig reads the exchange lifetime and sweep interval from src.
func BudgetFromConfig(src ConfigSource) (WaitBudget, error) {
	if src == nil {
		return WaitBudget{}, fmt.Errorf("config source is nil")
	}

	lifetime, err := src.GetLong(config.KeyExchangeLifetime)
	if err != nil {
		return WaitBudget{}, fmt.Errorf("failed to read exchange lifetime: %w", err)
	}
	sweep, err := src.GetInt(config.KeyMarkAndSweepInterval)
	if err != nil {
		return WaitBudget{}, fmt.Errorf("failed to read sweep interval: %w", err)
	}
	if lifetime < 0 || sweep < 0 {
		return WaitBudget{}, fmt.Errorf("%w: exchange lifetime %dms and sweep interval %dms must not be negative",
			ErrInvalidTiming, lifetime, sweep)
	}

	return ComputeWaitBudget(
		time.Duration(lifetime)*time.Millisecond,
		time.Duration(sweep)*time.Millisecond,
	), nil
}

func (b WaitBudget) String() string {
	return fmt.Sprintf("%.3f seconds", b.Budget.Seconds())
}
