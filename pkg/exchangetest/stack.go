// pkg/exchangetest/stack.go
package exchangetest

import (
	"sync/atomic"

	"github.com/twinfer/coap-exchange-harness/pkg/blockwise"
	"github.com/twinfer/coap-exchange-harness/pkg/config"
	"github.com/twinfer/coap-exchange-harness/pkg/stack"
)

// TestStack is a stack that remembers the blockwise layer it creates. The
// layer is only observed, never altered.
type TestStack struct {
	*stack.Stack
	layer atomic.Pointer[blockwise.Layer]
}

// NewTestStack builds a stack like stack.New and captures its blockwise
// layer once created.
func NewTestStack(cfg *config.NetworkConfig, outbox stack.Outbox, opts ...stack.Option) *TestStack {
	ts := &TestStack{}
	opts = append(opts, stack.WithComponentObserver(ts.capture))
	ts.Stack = stack.New(cfg, outbox, opts...)
	return ts
}

func (s *TestStack) capture(c stack.Component) {
	if layer, ok := c.(*blockwise.Layer); ok {
		s.layer.CompareAndSwap(nil, layer)
	}
}

// BlockwiseLayer returns the captured layer, or nil if none was created.
func (s *TestStack) BlockwiseLayer() *blockwise.Layer {
	return s.layer.Load()
}

// IsEmpty reports whether the blockwise layer is absent or holds no
// transfer.
func (s *TestStack) IsEmpty() bool {
	layer := s.layer.Load()
	return layer == nil || layer.IsEmpty()
}
