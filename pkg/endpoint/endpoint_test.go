package endpoint

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapBlockwise "github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
	"github.com/twinfer/coap-exchange-harness/pkg/exchange"
	"github.com/twinfer/coap-exchange-harness/pkg/metrics"
	"github.com/twinfer/coap-exchange-harness/pkg/observe"
	"github.com/twinfer/coap-exchange-harness/pkg/stack"
)

func startEndpoint(t *testing.T, opts ...Option) *Endpoint {
	t.Helper()
	ep, err := New("127.0.0.1:0", config.ForTesting(), opts...)
	require.NoError(t, err)
	require.NoError(t, ep.HandleFunc("/test", func(w mux.ResponseWriter, r *mux.Message) {
		body := []byte("ok")
		if r.Body() != nil {
			if data, err := io.ReadAll(r.Body()); err == nil && len(data) > 0 {
				body = data
			}
		}
		assert.NoError(t, w.SetResponse(codes.Content, message.TextPlain, bytes.NewReader(body)))
	}))
	require.NoError(t, ep.Start(context.Background()))
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestNewValidation(t *testing.T) {
	_, err := New("127.0.0.1:0", nil)
	assert.Error(t, err)

	_, err = New("127.0.0.1:0", config.New())
	assert.ErrorIs(t, err, config.ErrMissingKey)

	_, err = New("127.0.0.1:0", config.ForTesting().Remove(config.KeyBlockwiseStatusLifetime))
	assert.ErrorIs(t, err, config.ErrMissingKey)

	_, err = New("127.0.0.1:0", config.ForTesting(), WithSecurity("tcp", config.DefaultSecurity()))
	assert.Error(t, err)

	_, err = New("127.0.0.1:0", config.ForTesting(), WithSecurity("udp-dtls", config.SecurityConfig{Mode: "psk"}))
	assert.Error(t, err)
}

func TestNewUsesSuppliedStores(t *testing.T) {
	store, err := exchange.NewInMemoryStore(config.ForTesting())
	require.NoError(t, err)
	observations := observe.NewInMemoryStore()

	ep, err := New("127.0.0.1:0", config.ForTesting(), WithExchangeStore(store), WithObservationStore(observations))
	require.NoError(t, err)

	assert.Same(t, store, ep.ExchangeStore())
	assert.Same(t, observations, ep.ObservationStore())
	assert.Nil(t, ep.Stack(), "no stack before start")
	assert.Empty(t, ep.Addr())
}

func TestDoBeforeStart(t *testing.T) {
	ep, err := New("127.0.0.1:0", config.ForTesting())
	require.NoError(t, err)

	req, err := ep.NewRequest(context.Background(), codes.GET, "/test", nil)
	require.NoError(t, err)

	_, err = ep.Do(context.Background(), "127.0.0.1:5683", req)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, ep.Close())
}

func TestRequestResponse(t *testing.T) {
	serverMetrics := &metrics.MockRecorder{}
	server := startEndpoint(t, WithMetrics(serverMetrics))
	client := startEndpoint(t)

	assert.ErrorIs(t, server.Start(context.Background()), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := client.NewRequest(ctx, codes.POST, "/test", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, message.Confirmable, req.Type())
	assert.NotEmpty(t, req.Token())

	resp, err := client.Do(ctx, server.Addr(), req)
	require.NoError(t, err)
	assert.Equal(t, codes.Content, resp.Code())

	body, err := resp.ReadBody()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	assert.True(t, client.ExchangeStore().IsEmpty(), "local exchange completes with the response")
	assert.Equal(t, 1, server.ExchangeStore().Len(), "confirmable request is kept for deduplication")
	assert.Equal(t, int64(1), serverMetrics.Requests.Load())

	// exchange lifetime 200ms plus a 100ms sweep
	assert.Eventually(t, server.ExchangeStore().IsEmpty, 2*time.Second, 20*time.Millisecond)
}

func TestNonConfirmableCompletesImmediately(t *testing.T) {
	server := startEndpoint(t)
	client := startEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := client.NewRequest(ctx, codes.GET, "/test", nil, NonConfirmable())
	require.NoError(t, err)

	resp, err := client.Do(ctx, server.Addr(), req)
	require.NoError(t, err)
	assert.Equal(t, codes.Content, resp.Code())

	assert.Eventually(t, server.ExchangeStore().IsEmpty, 100*time.Millisecond, 5*time.Millisecond)
}

func TestObserveRegistration(t *testing.T) {
	server := startEndpoint(t)
	client := startEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := client.NewRequest(ctx, codes.GET, "/test", nil, WithObserve(0))
	require.NoError(t, err)

	_, err = client.Do(ctx, server.Addr(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, server.ObservationStore().Len())
	assert.True(t, client.ObservationStore().IsEmpty())
}

func TestCustomStackFactory(t *testing.T) {
	var built *stack.Stack
	ep := startEndpoint(t, WithStackFactory(func(cfg *config.NetworkConfig, outbox stack.Outbox, opts ...stack.Option) *stack.Stack {
		built = stack.New(cfg, outbox, opts...)
		return built
	}))

	require.NotNil(t, built)
	assert.Same(t, built, ep.Stack())
	assert.NotEmpty(t, ep.Addr())
}

func TestStackFactoryReturningNil(t *testing.T) {
	ep, err := New("127.0.0.1:0", config.ForTesting(), WithStackFactory(func(*config.NetworkConfig, stack.Outbox, ...stack.Option) *stack.Stack {
		return nil
	}))
	require.NoError(t, err)
	assert.Error(t, ep.Start(context.Background()))
}

func TestCloseIdempotent(t *testing.T) {
	ep := startEndpoint(t)
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())
}

// startUploadServer answers Continue while Block1 has more blocks and
// Changed for the last one. Every request records the remote address.
func startUploadServer(t *testing.T, opts ...Option) (*Endpoint, func() []string) {
	t.Helper()
	var (
		mu    sync.Mutex
		peers []string
	)
	ep, err := New("127.0.0.1:0", config.ForTesting(), opts...)
	require.NoError(t, err)
	require.NoError(t, ep.HandleFunc("/upload", func(w mux.ResponseWriter, r *mux.Message) {
		mu.Lock()
		peers = append(peers, w.Conn().RemoteAddr().String())
		mu.Unlock()

		code := codes.Changed
		if v, err := r.Options().GetUint32(message.Block1); err == nil {
			if _, _, more, err := coapBlockwise.DecodeBlockOption(v); err == nil && more {
				code = codes.Continue
			}
		}
		assert.NoError(t, w.SetResponse(code, message.TextPlain, bytes.NewReader(nil)))
	}))
	require.NoError(t, ep.Start(context.Background()))
	t.Cleanup(func() { ep.Close() })

	return ep, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), peers...)
	}
}

func withBlock1(t *testing.T, num int64, more bool) RequestOption {
	t.Helper()
	v, err := coapBlockwise.EncodeBlockOption(coapBlockwise.SZX64, num, more)
	require.NoError(t, err)
	return func(req *pool.Message) error {
		req.SetOptionUint32(message.Block1, v)
		return nil
	}
}

// upload sends one request with its own context, cancelled on return.
func upload(t *testing.T, client *Endpoint, peer string, payload []byte, opts ...RequestOption) codes.Code {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := client.NewRequest(ctx, codes.PUT, "/upload", payload, opts...)
	require.NoError(t, err)
	resp, err := client.Do(ctx, peer, req)
	require.NoError(t, err)
	return resp.Code()
}

func TestRequestsShareConnectionToPeer(t *testing.T) {
	server, peers := startUploadServer(t)
	client := startEndpoint(t)

	for i := 0; i < 3; i++ {
		assert.Equal(t, codes.Changed, upload(t, client, server.Addr(), []byte("data")))
	}

	seen := peers()
	require.Len(t, seen, 3)
	assert.Equal(t, seen[0], seen[1], "second request arrives from the same local port")
	assert.Equal(t, seen[0], seen[2])
}

func TestBlockwiseTransferCompletes(t *testing.T) {
	server, peers := startUploadServer(t)
	client := startEndpoint(t)
	chunk := bytes.Repeat([]byte("x"), 64)

	assert.Equal(t, codes.Continue, upload(t, client, server.Addr(), chunk, withBlock1(t, 0, true)))
	require.NotNil(t, server.Stack().BlockwiseLayer())
	assert.Equal(t, 1, server.Stack().BlockwiseLayer().Len())
	assert.False(t, client.Stack().IsEmpty())

	assert.Equal(t, codes.Changed, upload(t, client, server.Addr(), chunk[:10], withBlock1(t, 1, false)))
	assert.True(t, server.Stack().IsEmpty(), "last block ends the server side transfer")
	assert.True(t, client.Stack().IsEmpty(), "last block ends the client side transfer")

	seen := peers()
	require.Len(t, seen, 2)
	assert.Equal(t, seen[0], seen[1])
}

func TestMetricsOptionsReachStoreAndLayer(t *testing.T) {
	rec := &metrics.MockRecorder{}
	server, _ := startUploadServer(t, WithMetrics(rec), WithStoreMetrics(rec), WithBlockwiseMetrics(rec))
	client := startEndpoint(t)
	chunk := bytes.Repeat([]byte("x"), 64)

	assert.Equal(t, codes.Continue, upload(t, client, server.Addr(), chunk, withBlock1(t, 0, true)))
	assert.Equal(t, codes.Changed, upload(t, client, server.Addr(), chunk[:10], withBlock1(t, 1, false)))

	assert.Equal(t, int64(2), rec.Requests.Load())
	assert.Equal(t, int64(2), rec.Registered.Load())
	assert.Equal(t, int64(1), rec.TransfersStarted.Load())
	assert.Equal(t, int64(1), rec.TransfersCompleted.Load())

	// exchange lifetime 200ms plus a 100ms sweep
	assert.Eventually(t, func() bool { return rec.Expired.Load() == 2 }, 2*time.Second, 20*time.Millisecond)
}

func TestMetricsManagerUnderTraffic(t *testing.T) {
	server, _ := startUploadServer(t, WithMetricsManager(metrics.NewManager(service.MockResources())))
	client := startEndpoint(t, WithMetricsManager(nil))

	assert.Equal(t, codes.Continue, upload(t, client, server.Addr(), []byte("first"), withBlock1(t, 0, true)))
	assert.Equal(t, codes.Changed, upload(t, client, server.Addr(), []byte("last"), withBlock1(t, 1, false)))
	assert.True(t, server.Stack().IsEmpty())
}
