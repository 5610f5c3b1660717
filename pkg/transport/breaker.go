// pkg/transport/breaker.go
package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a peer's breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit open")

// Circuit breaker states
const (
	CircuitClosed = iota
	CircuitOpen
	CircuitHalfOpen
)

type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// Breaker stops sending to a peer after repeated failures and probes it
// again once Timeout has passed.
type Breaker struct {
	config      BreakerConfig
	state       int
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
	now         func() time.Time
	mu          sync.Mutex
}

func NewBreaker(config BreakerConfig) *Breaker {
	// Set defaults if not configured
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls == 0 {
		config.HalfOpenMaxCalls = 2
	}
	return &Breaker{config: config, now: time.Now}
}

// Allow reports whether a request may be sent now. An open breaker turns
// half-open once Timeout has passed since the last failure.
func (b *Breaker) Allow() bool {
	if !b.config.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.lastFailure) < b.config.Timeout {
			return false
		}
		b.state = CircuitHalfOpen
		b.successes = 0
		b.probes = 1
		return true
	case CircuitHalfOpen:
		if b.probes >= b.config.HalfOpenMaxCalls {
			return false
		}
		b.probes++
		return true
	default:
		return true
	}
}

func (b *Breaker) RecordSuccess() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.reset()
		} else if b.probes > 0 {
			b.probes--
		}
	}
}

func (b *Breaker) RecordFailure() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	b.failures++

	switch b.state {
	case CircuitClosed:
		if b.failures >= b.config.FailureThreshold {
			b.state = CircuitOpen
		}
	case CircuitHalfOpen:
		// Any failure in half-open state transitions back to open
		b.state = CircuitOpen
		b.successes = 0
		b.probes = 0
	}
}

func (b *Breaker) State() string {
	if !b.config.Enabled {
		return "disabled"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.lastFailure) >= b.config.Timeout {
			return "half-open-ready"
		}
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func (b *Breaker) reset() {
	b.state = CircuitClosed
	b.failures = 0
	b.successes = 0
	b.probes = 0
}
