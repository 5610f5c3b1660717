// pkg/exchangetest/assert.go
package exchangetest

import (
	"context"
	"log/slog"

	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/stretchr/testify/assert"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
	"github.com/twinfer/coap-exchange-harness/pkg/exchange"
	"github.com/twinfer/coap-exchange-harness/pkg/metrics"
)

// TestingT is the subset of *testing.T the assertions use.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
	FailNow()
}

// Store is anything that can tell whether it still holds state.
type Store interface {
	IsEmpty() bool
}

// Endpoint is an endpoint that knows its configuration and whether it still
// holds state, such as a *TestEndpoint.
type Endpoint interface {
	Config() *config.NetworkConfig
	IsEmpty() bool
}

var (
	_ Store    = (*exchange.InMemoryStore)(nil)
	_ Store    = (*TestStack)(nil)
	_ Endpoint = (*TestEndpoint)(nil)
)

// Harness runs completion assertions with a given logger, level controller
// and metrics recorder.
type Harness struct {
	logger  *service.Logger
	level   LevelController
	metrics metrics.HarnessRecorder
	policy  ErrorPolicy
}

// HarnessOption configures a Harness.
type HarnessOption func(*Harness)

func WithLogger(logger *service.Logger) HarnessOption {
	return func(h *Harness) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithLevelController sets the level that is lowered for the final check.
func WithLevelController(ctl LevelController) HarnessOption {
	return func(h *Harness) {
		h.level = ctl
	}
}

func WithMetrics(rec metrics.HarnessRecorder) HarnessOption {
	return func(h *Harness) {
		if rec != nil {
			h.metrics = rec
		}
	}
}

// WithPolicy sets how errors of store predicates are handled while waiting.
func WithPolicy(policy ErrorPolicy) HarnessOption {
	return func(h *Harness) {
		h.policy = policy
	}
}

// NewHarness returns a harness logging through exchange.DefaultLogger and
// elevating exchange.DumpLevel.
func NewHarness(opts ...HarnessOption) *Harness {
	h := &Harness{
		logger:  exchange.DefaultLogger(),
		level:   exchange.DumpLevel,
		metrics: metrics.Nop{},
		policy:  TolerateErrors,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var defaultHarness = NewHarness()

// AssertAllExchangesAreCompleted fails t unless both the client and the
// server store are empty within the wait budget of cfg.
func AssertAllExchangesAreCompleted(t TestingT, cfg ConfigSource, client, server Store) {
	t.Helper()
	defaultHarness.AssertAllExchangesAreCompleted(contextOf(t), t, cfg, client, server)
}

// AssertExchangeStoreCompleted fails t unless store is empty within the
// wait budget of cfg.
func AssertExchangeStoreCompleted(t TestingT, cfg ConfigSource, store Store) {
	t.Helper()
	defaultHarness.AssertExchangeStoreCompleted(contextOf(t), t, cfg, store)
}

// AssertEndpointCompleted fails t unless ep holds no state within the wait
// budget of its own configuration.
func AssertEndpointCompleted(t TestingT, ep Endpoint) {
	t.Helper()
	defaultHarness.AssertEndpointCompleted(contextOf(t), t, ep)
}

func (h *Harness) AssertAllExchangesAreCompleted(ctx context.Context, t TestingT, cfg ConfigSource, client, server Store) {
	t.Helper()
	if client == nil || server == nil {
		t.Errorf("client and server stores are required")
		t.FailNow()
		return
	}

	h.await(ctx, t, cfg, LevelFinest,
		func() bool { return client.IsEmpty() && server.IsEmpty() },
		func() bool {
			ok := assert.True(t, client.IsEmpty(), "Client side message exchange store still contains exchanges")
			return assert.True(t, server.IsEmpty(), "Server side message exchange store still contains exchanges") && ok
		})
}

func (h *Harness) AssertExchangeStoreCompleted(ctx context.Context, t TestingT, cfg ConfigSource, store Store) {
	t.Helper()
	if store == nil {
		t.Errorf("exchange store is required")
		t.FailNow()
		return
	}

	h.await(ctx, t, cfg, LevelFiner, store.IsEmpty,
		func() bool {
			return assert.True(t, store.IsEmpty(), "message exchange store still contains exchanges")
		})
}

func (h *Harness) AssertEndpointCompleted(ctx context.Context, t TestingT, ep Endpoint) {
	t.Helper()
	if ep == nil {
		t.Errorf("endpoint is required")
		t.FailNow()
		return
	}

	h.await(ctx, t, ep.Config(), LevelFiner, ep.IsEmpty,
		func() bool {
			return assert.True(t, ep.IsEmpty(), "endpoint still contains states")
		})
}

// await waits for empty and, if it is still false, re-runs report with the
// log level lowered to level so the stores dump their content. The captured
// level is restored on every exit, including FailNow.
func (h *Harness) await(ctx context.Context, t TestingT, cfg ConfigSource, level slog.Level, empty func() bool, report func() bool) {
	t.Helper()

	budget, err := BudgetFromConfig(configSource(cfg))
	if err != nil {
		t.Errorf("%v", err)
		t.FailNow()
		return
	}

	scope := AcquireLevel(h.level)
	defer scope.Release()

	timer := metrics.StartTimer()
	err = WaitForCondition(ctx, budget.Budget, budget.PollInterval, Check(empty),
		WithDescription("deduplicator should be empty"),
		WithWaitLogger(h.logger),
		WithErrorPolicy(h.policy))
	if err != nil {
		timer.Stop(h.metrics, false)
		t.Errorf("wait for exchange completion interrupted: %v", err)
		t.FailNow()
		return
	}

	if empty() {
		timer.Stop(h.metrics, true)
		return
	}
	timer.Stop(h.metrics, false)

	scope.Elevate(level)
	if !report() {
		t.FailNow()
	}
}

// configSource turns a typed nil into an untyped one so BudgetFromConfig
// reports it.
func configSource(cfg ConfigSource) ConfigSource {
	if c, ok := cfg.(*config.NetworkConfig); ok && c == nil {
		return nil
	}
	return cfg
}

func contextOf(t TestingT) context.Context {
	if c, ok := t.(interface{ Context() context.Context }); ok {
		if ctx := c.Context(); ctx != nil {
			return ctx
		}
	}
	return context.Background()
}
