// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"
)

// Well-known network configuration keys. Time values are milliseconds.
const (
	KeyExchangeLifetime        = "exchange_lifetime"
	KeyMarkAndSweepInterval    = "mark_and_sweep_interval"
	KeyBlockwiseStatusLifetime = "blockwise_status_lifetime"
	KeyAckTimeout              = "ack_timeout"
	KeyMaxRetransmit           = "max_retransmit"
	KeyPreferredBlockSize      = "preferred_block_size"
	KeyMaxMessageSize          = "max_message_size"
)

// ErrMissingKey is returned when a requested key has no value.
var ErrMissingKey = errors.New("missing configuration key")

var timeKeys = map[string]bool{
	KeyExchangeLifetime:        true,
	KeyMarkAndSweepInterval:    true,
	KeyBlockwiseStatusLifetime: true,
	KeyAckTimeout:              true,
}

// IsTimeKey reports whether values of key are durations in milliseconds.
func IsTimeKey(key string) bool {
	return timeKeys[key]
}

// NetworkConfig is a concurrency-safe key-value source of integer network
// settings. Accessors never fall back to defaults: absent keys are errors.
type NetworkConfig struct {
	values map[string]int64
	mu     sync.RWMutex
}

// New returns an empty configuration.
func New() *NetworkConfig {
	return &NetworkConfig{values: make(map[string]int64)}
}

// GetLong returns the value stored under key.
func (c *NetworkConfig) GetLong(key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.values[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return v, nil
}

// GetInt returns the value stored under key as an int.
func (c *NetworkConfig) GetInt(key string) (int, error) {
	v, err := c.GetLong(key)
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, fmt.Errorf("value %d of %s does not fit an int", v, key)
	}
	return int(v), nil
}

// GetDuration returns a millisecond value as a time.Duration.
func (c *NetworkConfig) GetDuration(key string) (time.Duration, error) {
	v, err := c.GetLong(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Millisecond, nil
}

func (c *NetworkConfig) SetLong(key string, value int64) *NetworkConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.values[key] = value
	return c
}

func (c *NetworkConfig) SetInt(key string, value int) *NetworkConfig {
	return c.SetLong(key, int64(value))
}

// SetDuration stores d truncated to whole milliseconds.
func (c *NetworkConfig) SetDuration(key string, d time.Duration) *NetworkConfig {
	return c.SetLong(key, d.Milliseconds())
}

// Remove deletes key, mostly useful to build incomplete configs in tests.
func (c *NetworkConfig) Remove(key string) *NetworkConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.values, key)
	return c
}

// Keys returns the configured keys in sorted order.
func (c *NetworkConfig) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Sorted(maps.Keys(c.values))
}

// Clone creates a deep copy of the configuration
func (c *NetworkConfig) Clone() *NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &NetworkConfig{values: maps.Clone(c.values)}
}
