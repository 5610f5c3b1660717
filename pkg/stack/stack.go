// pkg/stack/stack.go
package stack

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exchange-harness/pkg/blockwise"
	"github.com/twinfer/coap-exchange-harness/pkg/config"
	"github.com/twinfer/coap-exchange-harness/pkg/metrics"
	"github.com/twinfer/coap-exchange-harness/pkg/sweep"
)

// Component is an internal layer built by the stack.
type Component interface {
	IsEmpty() bool
}

// ComponentObserver is told about every component the stack constructs.
type ComponentObserver func(Component)

// Outbox delivers a request to a peer and returns its response.
type Outbox interface {
	Send(ctx context.Context, peer string, req *pool.Message) (*pool.Message, error)
}

// Stack passes messages through the protocol layers of an endpoint. The
// blockwise layer is only created once a message carries a block option.
type Stack struct {
	cfg    *config.NetworkConfig
	outbox Outbox

	observers []ComponentObserver
	logger    *service.Logger
	bwMetrics metrics.BlockwiseRecorder

	layer   atomic.Pointer[blockwise.Layer]
	layerMu sync.Mutex

	loop *sweep.Loop
}

// Option configures a Stack.
type Option func(*Stack)

// WithComponentObserver registers fn to be called with each constructed
// component, on the goroutine that constructs it.
func WithComponentObserver(fn ComponentObserver) Option {
	return func(s *Stack) {
		if fn != nil {
			s.observers = append(s.observers, fn)
		}
	}
}

func WithLogger(logger *service.Logger) Option {
	return func(s *Stack) {
		s.logger = logger
	}
}

func WithBlockwiseMetrics(rec metrics.BlockwiseRecorder) Option {
	return func(s *Stack) {
		s.bwMetrics = rec
	}
}

// New creates a stack sending requests through outbox.
func New(cfg *config.NetworkConfig, outbox Outbox, opts ...Option) *Stack {
	s := &Stack{
		cfg:    cfg,
		outbox: outbox,
	}
	for _, opt := range opts {
		opt(s)
	}

	interval := time.Duration(0)
	if cfg != nil {
		if d, err := cfg.GetDuration(config.KeyMarkAndSweepInterval); err == nil {
			interval = d
		}
	}
	s.loop = sweep.NewLoop(interval, s.CheckExpirations)
	return s
}

// BlockwiseLayer returns the blockwise layer, or nil if none was needed yet.
func (s *Stack) BlockwiseLayer() *blockwise.Layer {
	return s.layer.Load()
}

func (s *Stack) blockwiseLayer() (*blockwise.Layer, error) {
	if layer := s.layer.Load(); layer != nil {
		return layer, nil
	}

	s.layerMu.Lock()
	defer s.layerMu.Unlock()

	if layer := s.layer.Load(); layer != nil {
		return layer, nil
	}

	layer, err := blockwise.NewLayer(s.cfg,
		blockwise.WithLogger(s.logger),
		blockwise.WithMetrics(s.bwMetrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create blockwise layer: %w", err)
	}
	for _, observe := range s.observers {
		observe(layer)
	}
	s.layer.Store(layer)
	return layer, nil
}

func (s *Stack) track(peer string, msg *pool.Message) error {
	if !blockwise.HasBlockOption(msg) {
		return nil
	}
	path, _ := msg.Path()
	return s.trackPath(peer, path, msg)
}

func (s *Stack) trackPath(peer, path string, msg *pool.Message) error {
	if !blockwise.HasBlockOption(msg) {
		return nil
	}
	layer, err := s.blockwiseLayer()
	if err != nil {
		return err
	}
	return layer.Observe(peer, path, msg)
}

// SendRequest sends req to peer through the outbox and tracks the block
// options of both the request and the response.
func (s *Stack) SendRequest(ctx context.Context, peer string, req *pool.Message) (*pool.Message, error) {
	if s.outbox == nil {
		return nil, fmt.Errorf("stack has no outbox")
	}
	if err := s.track(peer, req); err != nil {
		return nil, err
	}

	resp, err := s.outbox.Send(ctx, peer, req)
	if err != nil {
		return nil, err
	}

	path, _ := req.Path()
	if err := s.trackPath(peer, path, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// ReceiveRequest tracks a request received from peer.
func (s *Stack) ReceiveRequest(peer string, req *pool.Message) error {
	return s.track(peer, req)
}

// SendResponse tracks a response sent to peer for a request on path.
func (s *Stack) SendResponse(peer, path string, resp *pool.Message) error {
	return s.trackPath(peer, path, resp)
}

// CheckExpirations expires stalled state of every created layer.
func (s *Stack) CheckExpirations(now time.Time) {
	if layer := s.layer.Load(); layer != nil {
		layer.CheckExpirations(now)
	}
}

// IsEmpty reports whether the stack holds no transfer state.
func (s *Stack) IsEmpty() bool {
	layer := s.layer.Load()
	return layer == nil || layer.IsEmpty()
}

// Start launches the background expiry of layer state.
func (s *Stack) Start(ctx context.Context) {
	s.loop.Start(ctx)
}

// Stop ends the background expiry.
func (s *Stack) Stop() {
	s.loop.Stop()
}
