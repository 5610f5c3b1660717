// pkg/exchangetest/wait.go
package exchangetest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exchange-harness/pkg/exchange"
)

// ErrInvalidTiming is returned for a non-positive budget or poll interval.
var ErrInvalidTiming = errors.New("invalid wait timing")

// Condition is polled until it reports true.
type Condition func() (bool, error)

// Check adapts a predicate that cannot fail.
func Check(fn func() bool) Condition {
	return func() (bool, error) {
		return fn(), nil
	}
}

// ErrorPolicy decides what a condition error means.
type ErrorPolicy int

const (
	// TolerateErrors treats an error as "not satisfied yet".
	TolerateErrors ErrorPolicy = iota
	// FailOnError stops waiting and returns the error.
	FailOnError
)

type waitOptions struct {
	policy      ErrorPolicy
	logger      *service.Logger
	description string
}

// WaitOption configures WaitForCondition.
type WaitOption func(*waitOptions)

func WithErrorPolicy(policy ErrorPolicy) WaitOption {
	return func(o *waitOptions) {
		o.policy = policy
	}
}

// WithWaitLogger sets the logger of the announcement line.
func WithWaitLogger(logger *service.Logger) WaitOption {
	return func(o *waitOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDescription names what is being waited for in the announcement line.
func WithDescription(description string) WaitOption {
	return func(o *waitOptions) {
		o.description = description
	}
}

// WaitForCondition polls cond every interval until it is true or budget has
// elapsed. cond is evaluated once right away and once more when the budget
// runs out. Exhausting the budget is not an error: the caller decides what
// an unsatisfied condition means. A done ctx ends the wait with ctx.Err().
func WaitForCondition(ctx context.Context, budget, interval time.Duration, cond Condition, opts ...WaitOption) error {
	if budget <= 0 || interval <= 0 {
		return fmt.Errorf("%w: budget %s, interval %s", ErrInvalidTiming, budget, interval)
	}
	if cond == nil {
		return fmt.Errorf("condition is nil")
	}

	o := waitOptions{
		policy:      TolerateErrors,
		description: "condition is met",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = exchange.DefaultLogger()
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	o.logger.Infof("Wait until %s (%.3f seconds)", o.description, budget.Seconds())

	evaluate := func() (bool, error) {
		ok, err := cond()
		if err != nil {
			if o.policy == FailOnError {
				return false, fmt.Errorf("condition failed: %w", err)
			}
			o.logger.Debugf("Condition not yet satisfied: %v", err)
			return false, nil
		}
		return ok, nil
	}

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := evaluate()
		if err != nil || ok {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-deadline.C:
			_, err := evaluate()
			return err
		}
	}
}

// WaitUntilDeduplicatorShouldBeEmpty waits as long as an exchange store
// with the given lifetime and sweep interval needs to drop its last
// deduplication entry.
func WaitUntilDeduplicatorShouldBeEmpty(ctx context.Context, lifetime, sweep time.Duration, cond Condition, opts ...WaitOption) error {
	budget := ComputeWaitBudget(lifetime, sweep)
	opts = append([]WaitOption{WithDescription("deduplicator should be empty")}, opts...)
	return WaitForCondition(ctx, budget.Budget, budget.PollInterval, cond, opts...)
}
