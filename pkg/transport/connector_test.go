package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/mux"
	"github.com/plgd-dev/go-coap/v3/udp/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
)

// countingDialer counts the dials of the wrapped dialer.
type countingDialer struct {
	Dialer
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, peer string) (*client.Conn, error) {
	d.dials.Add(1)
	return d.Dialer.Dial(ctx, peer)
}

// gatedDialer blocks dials to slow peers until released or cancelled and
// fails every other dial at once.
type gatedDialer struct {
	slow    string
	release chan struct{}
	dials   atomic.Int32
}

func (d *gatedDialer) Protocol() string { return "udp" }

func (d *gatedDialer) Dial(ctx context.Context, peer string) (*client.Conn, error) {
	d.dials.Add(1)
	if peer != d.slow {
		return nil, errors.New("unreachable")
	}
	select {
	case <-d.release:
		return nil, errors.New("handshake failed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startEchoServer serves /ping on loopback and records the address of every
// requesting peer.
func startEchoServer(t *testing.T) (string, func() []string) {
	t.Helper()

	var mu sync.Mutex
	var peers []string

	router := mux.NewRouter()
	require.NoError(t, router.Handle("/ping", mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
		mu.Lock()
		peers = append(peers, w.Conn().RemoteAddr().String())
		mu.Unlock()
		assert.NoError(t, w.SetResponse(codes.Content, message.TextPlain, bytes.NewReader([]byte("pong"))))
	})))

	srv, err := Listen("udp", "127.0.0.1:0", config.DefaultSecurity(), router)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	return srv.Addr().String(), func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), peers...)
	}
}

func pingRequest(t *testing.T, ctx context.Context) *pool.Message {
	t.Helper()
	token, err := message.GetToken()
	require.NoError(t, err)

	req := pool.NewMessage(ctx)
	req.SetCode(codes.GET)
	req.SetType(message.Confirmable)
	req.SetToken(token)
	req.SetMessageID(message.GetMID())
	require.NoError(t, req.SetPath("/ping"))
	return req
}

func TestConnectorReusesConnectionAcrossRequests(t *testing.T) {
	addr, peers := startEchoServer(t)
	dialer := &countingDialer{Dialer: &UDPDialer{}}
	c := NewConnector(dialer)
	defer c.Close()

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		resp, err := c.Send(ctx, addr, pingRequest(t, ctx))
		require.NoError(t, err)
		assert.Equal(t, codes.Content, resp.Code())
		cancel()
	}

	assert.Equal(t, int32(1), dialer.dials.Load())
	seen := peers()
	require.Len(t, seen, 3)
	assert.Equal(t, seen[0], seen[1], "requests come from one local port")
	assert.Equal(t, seen[0], seen[2], "requests come from one local port")
}

func TestConnectorCloseEndsCachedConnection(t *testing.T) {
	addr, _ := startEchoServer(t)
	c := NewConnector(&UDPDialer{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Send(ctx, addr, pingRequest(t, ctx))
	require.NoError(t, err)

	conn, err := c.cached(addr)
	require.NoError(t, err)
	require.NotNil(t, conn)

	require.NoError(t, c.Close())
	select {
	case <-conn.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection outlived the connector")
	}
}

func TestConnectorSlowDialDoesNotBlock(t *testing.T) {
	dialer := &gatedDialer{slow: "slow:1", release: make(chan struct{})}
	c := NewConnector(dialer, WithBackoff(DefaultBackoff, 1))

	slowDone := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "slow:1", pool.NewMessage(context.Background()))
		slowDone <- err
	}()
	require.Eventually(t, func() bool { return dialer.dials.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	_, err := c.Send(context.Background(), "fast:1", pool.NewMessage(context.Background()))
	assert.Error(t, err)
	assert.NotNil(t, c.Breaker("fast:1"))
	assert.Less(t, time.Since(start), 200*time.Millisecond, "other peers are not held up")

	start = time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 200*time.Millisecond, "close does not wait for dials")

	select {
	case err := <-slowDone:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending dial was not aborted by close")
	}
}

func TestConnectorSharesPendingDial(t *testing.T) {
	dialer := &gatedDialer{slow: "slow:1", release: make(chan struct{})}
	c := NewConnector(dialer, WithBackoff(DefaultBackoff, 1))
	defer c.Close()

	const callers = 4
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := c.Send(context.Background(), "slow:1", pool.NewMessage(context.Background()))
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return dialer.dials.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(dialer.release)

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			assert.ErrorContains(t, err, "handshake failed")
		case <-time.After(2 * time.Second):
			t.Fatal("caller did not return")
		}
	}
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestConnectorCallerGivesUpOnPendingDial(t *testing.T) {
	dialer := &gatedDialer{slow: "slow:1", release: make(chan struct{})}
	c := NewConnector(dialer,
		WithBackoff(DefaultBackoff, 1),
		WithCircuitBreaker(BreakerConfig{Enabled: true, FailureThreshold: 1}))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, "slow:1", pool.NewMessage(ctx))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "closed", c.Breaker("slow:1").State(), "a caller giving up is not a peer failure")
}
