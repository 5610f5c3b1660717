// pkg/endpoint/options.go
package endpoint

import (
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
	"github.com/twinfer/coap-exchange-harness/pkg/exchange"
	"github.com/twinfer/coap-exchange-harness/pkg/metrics"
	"github.com/twinfer/coap-exchange-harness/pkg/observe"
	"github.com/twinfer/coap-exchange-harness/pkg/stack"
	"github.com/twinfer/coap-exchange-harness/pkg/transport"
)

// StackFactory builds the protocol stack of an endpoint once it starts.
// opts carry the logger and blockwise metrics of the endpoint.
type StackFactory func(cfg *config.NetworkConfig, outbox stack.Outbox, opts ...stack.Option) *stack.Stack

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithExchangeStore uses store instead of a fresh in-memory store.
func WithExchangeStore(store *exchange.InMemoryStore) Option {
	return func(e *Endpoint) {
		e.exchanges = store
	}
}

// WithObservationStore uses store instead of a fresh in-memory store.
func WithObservationStore(store *observe.InMemoryStore) Option {
	return func(e *Endpoint) {
		e.observations = store
	}
}

// WithStackFactory replaces the default stack construction.
func WithStackFactory(factory StackFactory) Option {
	return func(e *Endpoint) {
		e.stackFactory = factory
	}
}

func WithLogger(logger *service.Logger) Option {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(rec metrics.EndpointRecorder) Option {
	return func(e *Endpoint) {
		if rec != nil {
			e.metrics = rec
		}
	}
}

// WithStoreMetrics sets the recorder of the default exchange store. It has
// no effect together with WithExchangeStore.
func WithStoreMetrics(rec metrics.StoreRecorder) Option {
	return func(e *Endpoint) {
		if rec != nil {
			e.storeMetrics = rec
		}
	}
}

// WithBlockwiseMetrics sets the recorder of the blockwise layer.
func WithBlockwiseMetrics(rec metrics.BlockwiseRecorder) Option {
	return func(e *Endpoint) {
		if rec != nil {
			e.bwMetrics = rec
		}
	}
}

// WithMetricsManager records endpoint, store and blockwise activity through m.
func WithMetricsManager(m *metrics.Manager) Option {
	return func(e *Endpoint) {
		if m == nil {
			return
		}
		e.metrics = m.Endpoint()
		e.storeMetrics = m.Store()
		e.bwMetrics = m.Blockwise()
	}
}

// WithSecurity selects the transport protocol ("udp" or "udp-dtls") and
// its security settings.
func WithSecurity(protocol string, security config.SecurityConfig) Option {
	return func(e *Endpoint) {
		e.protocol = protocol
		e.security = security
	}
}

// WithCircuitBreaker stops sending to peers that keep failing.
func WithCircuitBreaker(cfg transport.BreakerConfig) Option {
	return func(e *Endpoint) {
		e.breaker = cfg
	}
}
