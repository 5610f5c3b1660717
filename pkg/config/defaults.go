// pkg/config/defaults.go
package config

import "time"

// Standard returns the RFC 7252 derived configuration.
func Standard() *NetworkConfig {
	return New().
		SetDuration(KeyExchangeLifetime, 247*time.Second).
		SetDuration(KeyMarkAndSweepInterval, 10*time.Second).
		SetDuration(KeyBlockwiseStatusLifetime, 5*time.Minute).
		SetDuration(KeyAckTimeout, 2*time.Second).
		SetInt(KeyMaxRetransmit, 4).
		SetInt(KeyPreferredBlockSize, 512).
		SetInt(KeyMaxMessageSize, 1024)
}

// ForTesting returns a configuration with short timings so that exchange
// completion can be asserted within a fraction of a second.
func ForTesting() *NetworkConfig {
	return Standard().
		SetDuration(KeyExchangeLifetime, 200*time.Millisecond).
		SetDuration(KeyMarkAndSweepInterval, 100*time.Millisecond).
		SetDuration(KeyBlockwiseStatusLifetime, 300*time.Millisecond).
		SetDuration(KeyAckTimeout, 100*time.Millisecond).
		SetInt(KeyMaxRetransmit, 2)
}

// DefaultSecurity returns an unsecured configuration for plain UDP.
func DefaultSecurity() SecurityConfig {
	return SecurityConfig{Mode: "none"}
}
