// pkg/config/spec.go
package config

import (
	"fmt"

	"github.com/redpanda-data/benthos/v4/public/service"
)

// Spec describes the network configuration as a Benthos config spec, so it
// can be embedded in pipeline configs and linted like any other component.
func Spec() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("CoAP network configuration used by the exchange layer.").
		Field(service.NewDurationField(KeyExchangeLifetime).
			Description("How long an exchange is kept before it is forcibly expired.").
			Default("247s")).
		Field(service.NewDurationField(KeyMarkAndSweepInterval).
			Description("Period between background passes that expire stale exchanges.").
			Default("10s")).
		Field(service.NewDurationField(KeyBlockwiseStatusLifetime).
			Description("How long an incomplete blockwise transfer is tracked.").
			Default("5m")).
		Field(service.NewDurationField(KeyAckTimeout).
			Description("Initial acknowledgement timeout for confirmable messages.").
			Default("2s")).
		Field(service.NewIntField(KeyMaxRetransmit).
			Description("Maximum number of retransmissions of a confirmable message.").
			Default(4)).
		Field(service.NewIntField(KeyPreferredBlockSize).
			Description("Preferred block size for blockwise transfers.").
			Default(512)).
		Field(service.NewIntField(KeyMaxMessageSize).
			Description("Largest payload sent without blockwise transfer.").
			Default(1024))
}

// ParseYAML parses a YAML document against Spec.
func ParseYAML(confYAML string) (*NetworkConfig, error) {
	conf, err := Spec().ParseYAML(confYAML, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse network config: %w", err)
	}
	return FromParsed(conf)
}

// FromParsed builds a NetworkConfig from a config parsed with Spec.
func FromParsed(conf *service.ParsedConfig) (*NetworkConfig, error) {
	cfg := New()

	for _, key := range []string{KeyExchangeLifetime, KeyMarkAndSweepInterval, KeyBlockwiseStatusLifetime, KeyAckTimeout} {
		d, err := conf.FieldDuration(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", key, err)
		}
		cfg.SetDuration(key, d)
	}

	for _, key := range []string{KeyMaxRetransmit, KeyPreferredBlockSize, KeyMaxMessageSize} {
		v, err := conf.FieldInt(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", key, err)
		}
		cfg.SetInt(key, v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}
	return cfg, nil
}
