package stack

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	coapBlockwise "github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/coap-exchange-harness/pkg/blockwise"
	"github.com/twinfer/coap-exchange-harness/pkg/config"
)

// outboxFunc adapts a function to Outbox.
type outboxFunc func(ctx context.Context, peer string, req *pool.Message) (*pool.Message, error)

func (f outboxFunc) Send(ctx context.Context, peer string, req *pool.Message) (*pool.Message, error) {
	return f(ctx, peer, req)
}

func newRequest(t *testing.T, path string) *pool.Message {
	t.Helper()
	req := pool.NewMessage(context.Background())
	req.SetCode(codes.GET)
	require.NoError(t, req.SetPath(path))
	return req
}

func withBlock(t *testing.T, msg *pool.Message, id message.OptionID, num int64, more bool) *pool.Message {
	t.Helper()
	v, err := coapBlockwise.EncodeBlockOption(coapBlockwise.SZX256, num, more)
	require.NoError(t, err)
	msg.SetOptionUint32(id, v)
	return msg
}

func TestStackWithoutBlockOptionsHasNoLayer(t *testing.T) {
	var observed atomic.Int32
	outbox := outboxFunc(func(ctx context.Context, peer string, req *pool.Message) (*pool.Message, error) {
		resp := pool.NewMessage(ctx)
		resp.SetCode(codes.Content)
		return resp, nil
	})

	s := New(config.ForTesting(), outbox, WithComponentObserver(func(Component) { observed.Add(1) }))

	_, err := s.SendRequest(context.Background(), "peer:1", newRequest(t, "/plain"))
	require.NoError(t, err)
	require.NoError(t, s.ReceiveRequest("peer:1", newRequest(t, "/plain")))

	assert.Nil(t, s.BlockwiseLayer())
	assert.True(t, s.IsEmpty())
	assert.Zero(t, observed.Load())
}

func TestStackCreatesLayerAndNotifiesObserver(t *testing.T) {
	var observed []Component
	var mu sync.Mutex

	outbox := outboxFunc(func(ctx context.Context, peer string, req *pool.Message) (*pool.Message, error) {
		resp := pool.NewMessage(ctx)
		resp.SetCode(codes.Content)
		return withBlock(t, resp, message.Block2, 0, true), nil
	})

	s := New(config.ForTesting(), outbox, WithComponentObserver(func(c Component) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, c)
	}))

	_, err := s.SendRequest(context.Background(), "peer:1", newRequest(t, "/large"))
	require.NoError(t, err)

	layer := s.BlockwiseLayer()
	require.NotNil(t, layer)
	require.Len(t, observed, 1)
	assert.Same(t, layer, observed[0].(*blockwise.Layer))
	assert.False(t, s.IsEmpty(), "response announced more blocks")

	final := withBlock(t, pool.NewMessage(context.Background()), message.Block2, 1, false)
	require.NoError(t, s.SendResponse("peer:1", "/large", final))
	assert.True(t, s.IsEmpty())
}

func TestStackReceiveBlock1(t *testing.T) {
	s := New(config.ForTesting(), nil)

	req := withBlock(t, newRequest(t, "/upload"), message.Block1, 0, true)
	require.NoError(t, s.ReceiveRequest("peer:1", req))
	assert.False(t, s.IsEmpty())

	s.CheckExpirations(time.Now().Add(time.Second))
	assert.True(t, s.IsEmpty(), "stalled transfer expires after the status lifetime")

	_, err := s.SendRequest(context.Background(), "peer:1", newRequest(t, "/x"))
	assert.Error(t, err, "a stack without outbox cannot send")
}

func TestStackLayerCreatedOnce(t *testing.T) {
	var observed atomic.Int32
	s := New(config.ForTesting(), nil, WithComponentObserver(func(Component) { observed.Add(1) }))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := withBlock(t, newRequest(t, "/upload"), message.Block1, 0, true)
			assert.NoError(t, s.ReceiveRequest("peer:1", req))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), observed.Load())
	assert.NotNil(t, s.BlockwiseLayer())
}

func TestStackLayerConfigError(t *testing.T) {
	cfg := config.ForTesting().Remove(config.KeyBlockwiseStatusLifetime)
	s := New(cfg, nil)

	req := withBlock(t, newRequest(t, "/upload"), message.Block1, 0, true)
	err := s.ReceiveRequest("peer:1", req)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingKey)
	assert.Nil(t, s.BlockwiseLayer())
}

func TestStackPropagatesOutboxError(t *testing.T) {
	sendErr := errors.New("peer unreachable")
	s := New(config.ForTesting(), outboxFunc(func(context.Context, string, *pool.Message) (*pool.Message, error) {
		return nil, sendErr
	}))

	_, err := s.SendRequest(context.Background(), "peer:1", newRequest(t, "/x"))
	assert.ErrorIs(t, err, sendErr)
}

func TestStackSweepLoop(t *testing.T) {
	s := New(config.ForTesting(), nil)
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	req := withBlock(t, newRequest(t, "/upload"), message.Block1, 0, true)
	require.NoError(t, s.ReceiveRequest("peer:1", req))

	// status lifetime 300ms, sweep every 100ms
	assert.Eventually(t, s.IsEmpty, 2*time.Second, 20*time.Millisecond)
}
