// pkg/exchange/store.go
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/pkg/cache"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
	"github.com/twinfer/coap-exchange-harness/pkg/metrics"
	"github.com/twinfer/coap-exchange-harness/pkg/sweep"
)

var (
	// ErrExchangeExists is returned when a key is already registered.
	ErrExchangeExists = errors.New("exchange already registered")
	// ErrNilExchange is returned by Register for a nil exchange.
	ErrNilExchange = errors.New("exchange is nil")
)

// InMemoryStore keeps exchanges until they complete or their lifetime ends.
// Expired exchanges are reclaimed by a mark-and-sweep pass.
type InMemoryStore struct {
	exchanges *cache.Cache[Key, *Exchange]
	lifetime  time.Duration
	interval  time.Duration

	logger  *service.Logger
	trace   *slog.Logger
	metrics metrics.StoreRecorder

	loop *sweep.Loop
	mu   sync.Mutex
}

// StoreOption configures an InMemoryStore.
type StoreOption func(*InMemoryStore)

// WithLogger sets the logger used for sweep and dump output.
func WithLogger(logger *service.Logger) StoreOption {
	return func(s *InMemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTraceLogger sets the logger of per-exchange lines, written at
// LevelTrace.
func WithTraceLogger(logger *slog.Logger) StoreOption {
	return func(s *InMemoryStore) {
		if logger != nil {
			s.trace = logger
		}
	}
}

// WithMetrics sets the recorder for store events.
func WithMetrics(rec metrics.StoreRecorder) StoreOption {
	return func(s *InMemoryStore) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// NewInMemoryStore creates a store using the exchange lifetime and sweep
// interval of cfg.
func NewInMemoryStore(cfg *config.NetworkConfig, opts ...StoreOption) (*InMemoryStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("network config is required")
	}

	lifetime, err := cfg.GetDuration(config.KeyExchangeLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange lifetime: %w", err)
	}
	interval, err := cfg.GetDuration(config.KeyMarkAndSweepInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to read sweep interval: %w", err)
	}

	s := &InMemoryStore{
		exchanges: cache.NewCache[Key, *Exchange](),
		lifetime:  lifetime,
		interval:  interval,
		logger:    DefaultLogger(),
		trace:     DefaultTraceLogger(),
		metrics:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.loop = sweep.NewLoop(interval, s.CheckExpirations)
	return s, nil
}

// Register adds ex to the store. The exchange is valid for the configured
// lifetime starting at ex.Created (or now, if Created is zero).
func (s *InMemoryStore) Register(ex *Exchange) error {
	if ex == nil {
		return ErrNilExchange
	}
	if ex.Created.IsZero() {
		ex.Created = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elem := cache.NewElement(ex, ex.Created.Add(s.lifetime), s.onExpire)
	if _, loaded := s.exchanges.LoadOrStore(ex.Key, elem); loaded {
		return fmt.Errorf("%w: %s", ErrExchangeExists, ex.Key)
	}
	s.metrics.RecordRegistered()
	return nil
}

// Find returns the exchange stored under key.
func (s *InMemoryStore) Find(key Key) (*Exchange, bool) {
	elem := s.exchanges.Load(key)
	if elem == nil {
		return nil, false
	}
	return elem.Data(), true
}

// Complete removes the exchange stored under key. It reports whether an
// exchange was removed.
func (s *InMemoryStore) Complete(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exchanges.Load(key) == nil {
		return false
	}
	s.exchanges.Delete(key)
	s.metrics.RecordCompleted()
	return true
}

// Len returns the number of stored exchanges.
func (s *InMemoryStore) Len() int {
	return s.exchanges.Length()
}

// Exchanges returns a snapshot of the stored exchanges ordered by creation.
func (s *InMemoryStore) Exchanges() []*Exchange {
	result := make([]*Exchange, 0, s.Len())
	s.exchanges.Range(func(_ Key, elem *cache.Element[*Exchange]) bool {
		result = append(result, elem.Data())
		return true
	})
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Created.Before(result[j].Created)
	})
	return result
}

// IsEmpty reports whether the store holds no exchanges. A non-empty store
// dumps its content to the logger, visible at debug and trace levels.
func (s *InMemoryStore) IsEmpty() bool {
	if s.Len() == 0 {
		return true
	}
	s.Dump()
	return false
}

// Dump logs a summary line at debug level and one line per exchange at
// LevelTrace.
func (s *InMemoryStore) Dump() {
	exchanges := s.Exchanges()
	s.logger.Debugf("%d exchanges remaining in store", len(exchanges))
	for _, ex := range exchanges {
		s.tracef("Residual exchange", ex)
	}
}

// CheckExpirations removes every exchange whose lifetime ended before now.
func (s *InMemoryStore) CheckExpirations(now time.Time) {
	before := s.Len()
	s.exchanges.CheckExpirations(now)
	after := s.Len()

	s.metrics.RecordSweep(after)
	if before != after {
		s.logger.Debugf("Sweep removed %d expired exchanges, %d remaining", before-after, after)
	}
}

func (s *InMemoryStore) onExpire(ex *Exchange) {
	s.metrics.RecordExpired(1)
	s.tracef("Exchange expired", ex)
}

// Start launches the background sweep. It is a no-op when already running.
func (s *InMemoryStore) Start(ctx context.Context) {
	if s.loop.Start(ctx) {
		s.logger.Debugf("Exchange store sweep started (lifetime %s, interval %s)", s.lifetime, s.interval)
	}
}

// Stop ends the background sweep. Remaining exchanges are kept.
func (s *InMemoryStore) Stop() {
	s.loop.Stop()
}

// Lifetime returns the configured exchange lifetime.
func (s *InMemoryStore) Lifetime() time.Duration {
	return s.lifetime
}
