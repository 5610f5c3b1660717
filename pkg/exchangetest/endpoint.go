// pkg/exchangetest/endpoint.go
package exchangetest

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
	"github.com/twinfer/coap-exchange-harness/pkg/endpoint"
	"github.com/twinfer/coap-exchange-harness/pkg/exchange"
	"github.com/twinfer/coap-exchange-harness/pkg/observe"
	"github.com/twinfer/coap-exchange-harness/pkg/stack"
)

// TestEndpoint is an endpoint whose stores and stack are reachable for
// inspection.
type TestEndpoint struct {
	ep           *endpoint.Endpoint
	cfg          *config.NetworkConfig
	exchanges    *exchange.InMemoryStore
	observations *observe.InMemoryStore
	stack        atomic.Pointer[TestStack]
}

type testEndpointOptions struct {
	exchanges    *exchange.InMemoryStore
	observations *observe.InMemoryStore
	endpointOpts []endpoint.Option
	stackOpts    []stack.Option
}

// TestEndpointOption configures NewTestEndpoint.
type TestEndpointOption func(*testEndpointOptions)

// WithStores uses the given stores. A nil store is replaced by a fresh one.
func WithStores(exchanges *exchange.InMemoryStore, observations *observe.InMemoryStore) TestEndpointOption {
	return func(o *testEndpointOptions) {
		o.exchanges = exchanges
		o.observations = observations
	}
}

// WithEndpointOptions passes options through to endpoint.New.
func WithEndpointOptions(opts ...endpoint.Option) TestEndpointOption {
	return func(o *testEndpointOptions) {
		o.endpointOpts = append(o.endpointOpts, opts...)
	}
}

// WithStackOptions passes options through to the stack once it is built.
func WithStackOptions(opts ...stack.Option) TestEndpointOption {
	return func(o *testEndpointOptions) {
		o.stackOpts = append(o.stackOpts, opts...)
	}
}

// NewTestEndpoint creates an endpoint for bind with fresh exchange and
// observation stores unless WithStores supplies them.
func NewTestEndpoint(bind string, cfg *config.NetworkConfig, opts ...TestEndpointOption) (*TestEndpoint, error) {
	if cfg == nil {
		return nil, fmt.Errorf("network config is required")
	}

	var o testEndpointOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.exchanges == nil {
		store, err := exchange.NewInMemoryStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create exchange store: %w", err)
		}
		o.exchanges = store
	}
	if o.observations == nil {
		o.observations = observe.NewInMemoryStore()
	}

	te := &TestEndpoint{
		cfg:          cfg,
		exchanges:    o.exchanges,
		observations: o.observations,
	}

	endpointOpts := append([]endpoint.Option{
		endpoint.WithExchangeStore(o.exchanges),
		endpoint.WithObservationStore(o.observations),
	}, o.endpointOpts...)
	endpointOpts = append(endpointOpts, endpoint.WithStackFactory(func(cfg *config.NetworkConfig, outbox stack.Outbox, opts ...stack.Option) *stack.Stack {
		ts := NewTestStack(cfg, outbox, append(opts, o.stackOpts...)...)
		te.stack.Store(ts)
		return ts.Stack
	}))

	ep, err := endpoint.New(bind, cfg, endpointOpts...)
	if err != nil {
		return nil, err
	}
	te.ep = ep
	return te, nil
}

func (te *TestEndpoint) Endpoint() *endpoint.Endpoint {
	return te.ep
}

func (te *TestEndpoint) Config() *config.NetworkConfig {
	return te.cfg
}

func (te *TestEndpoint) ExchangeStore() *exchange.InMemoryStore {
	return te.exchanges
}

func (te *TestEndpoint) ObservationStore() *observe.InMemoryStore {
	return te.observations
}

// Stack returns the instrumented stack, or nil before the endpoint started.
func (te *TestEndpoint) Stack() *TestStack {
	return te.stack.Load()
}

// IsEmpty reports whether the exchange store and the stack hold no state.
func (te *TestEndpoint) IsEmpty() bool {
	st := te.stack.Load()
	return te.exchanges.IsEmpty() && (st == nil || st.IsEmpty())
}

// Start starts the underlying endpoint.
func (te *TestEndpoint) Start(ctx context.Context) error {
	return te.ep.Start(ctx)
}

// Addr returns the bound address of the underlying endpoint.
func (te *TestEndpoint) Addr() string {
	return te.ep.Addr()
}

// Close closes the underlying endpoint. The stores keep their content.
func (te *TestEndpoint) Close() error {
	return te.ep.Close()
}
