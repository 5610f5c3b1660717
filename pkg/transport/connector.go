// pkg/transport/connector.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/client"
	"github.com/redpanda-data/benthos/v4/public/service"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by a closed connector.
var ErrClosed = errors.New("connector closed")

// Connector keeps one client connection per peer and sends requests on it.
// Connections live until the peer drops them or the connector is closed,
// independent of the request that dialed them.
type Connector struct {
	dialer      Dialer
	backoff     BackoffConfig
	maxAttempts int
	logger      *service.Logger
	breaker     BreakerConfig

	ctx    context.Context
	cancel context.CancelFunc
	dials  singleflight.Group

	conns    map[string]*client.Conn
	breakers map[string]*Breaker
	closed   bool
	mu       sync.Mutex
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

func WithBackoff(cfg BackoffConfig, maxAttempts int) ConnectorOption {
	return func(c *Connector) {
		c.backoff = cfg
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
	}
}

func WithConnectorLogger(logger *service.Logger) ConnectorOption {
	return func(c *Connector) {
		c.logger = logger
	}
}

// WithCircuitBreaker guards every peer with its own breaker.
func WithCircuitBreaker(cfg BreakerConfig) ConnectorOption {
	return func(c *Connector) {
		c.breaker = cfg
	}
}

func NewConnector(dialer Dialer, opts ...ConnectorOption) *Connector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		dialer:      dialer,
		backoff:     DefaultBackoff,
		maxAttempts: 3,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[string]*client.Conn),
		breakers:    make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers req to peer and waits for the response. ctx bounds the
// wait for a connection; the request itself is bound by its own context.
func (c *Connector) Send(ctx context.Context, peer string, req *pool.Message) (*pool.Message, error) {
	breaker, err := c.breakerFor(peer)
	if err != nil {
		return nil, err
	}
	if !breaker.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, peer)
	}

	conn, err := c.connection(ctx, peer)
	if err != nil {
		if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
			breaker.RecordFailure()
		}
		return nil, err
	}

	resp, err := conn.Do(req)
	if err != nil {
		breaker.RecordFailure()
		return nil, fmt.Errorf("request to %s failed: %w", peer, err)
	}
	breaker.RecordSuccess()
	return resp, nil
}

// Breaker returns the breaker of peer, or nil if nothing was sent to it.
func (c *Connector) Breaker(peer string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakers[peer]
}

func (c *Connector) breakerFor(peer string) (*Breaker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	b, ok := c.breakers[peer]
	if !ok {
		b = NewBreaker(c.breaker)
		c.breakers[peer] = b
	}
	return b, nil
}

// cached returns the live connection to peer, dropping a dead one.
func (c *Connector) cached(peer string) (*client.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if conn, ok := c.conns[peer]; ok {
		if conn.Context().Err() == nil {
			return conn, nil
		}
		delete(c.conns, peer)
	}
	return nil, nil
}

// connection returns the cached connection to peer or waits for a dial.
// Concurrent callers for the same peer share one dial, and no lock is held
// while dialing.
func (c *Connector) connection(ctx context.Context, peer string) (*client.Conn, error) {
	conn, err := c.cached(peer)
	if err != nil || conn != nil {
		return conn, err
	}

	ch := c.dials.DoChan(peer, func() (any, error) {
		return c.dial(peer)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*client.Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dial runs under the connector context, so a caller giving up does not
// abort a dial other callers wait for. Close aborts it.
func (c *Connector) dial(peer string) (*client.Conn, error) {
	if conn, err := c.cached(peer); err != nil || conn != nil {
		return conn, err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(attempt-1, c.backoff)
			c.debugf("Retrying dial to %s in %s (attempt %d/%d)", peer, delay, attempt+1, c.maxAttempts)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return nil, ErrClosed
			}
		}

		conn, err := c.dialer.Dial(c.ctx, peer)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, ErrClosed
			}
			lastErr = err
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil, ErrClosed
		}
		c.conns[peer] = conn
		c.mu.Unlock()
		return conn, nil
	}
	return nil, fmt.Errorf("failed to dial %s over %s after %d attempts: %w", peer, c.dialer.Protocol(), c.maxAttempts, lastErr)
}

// Close closes every cached connection and aborts pending dials. Further
// sends fail with ErrClosed.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()

	c.cancel()

	var errs []error
	for peer, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Connector) debugf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, args...)
	}
}
