// pkg/endpoint/endpoint.go
package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/mux"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
	"github.com/twinfer/coap-exchange-harness/pkg/exchange"
	"github.com/twinfer/coap-exchange-harness/pkg/metrics"
	"github.com/twinfer/coap-exchange-harness/pkg/observe"
	"github.com/twinfer/coap-exchange-harness/pkg/stack"
	"github.com/twinfer/coap-exchange-harness/pkg/transport"
)

var (
	ErrNotStarted     = errors.New("endpoint not started")
	ErrAlreadyStarted = errors.New("endpoint already started")
)

// Endpoint is a CoAP endpoint that records the exchanges it takes part in.
type Endpoint struct {
	bind     string
	cfg      *config.NetworkConfig
	protocol string
	security config.SecurityConfig
	breaker  transport.BreakerConfig

	exchanges    *exchange.InMemoryStore
	observations *observe.InMemoryStore
	stackFactory StackFactory
	logger       *service.Logger
	metrics      metrics.EndpointRecorder
	storeMetrics metrics.StoreRecorder
	bwMetrics    metrics.BlockwiseRecorder

	router    *mux.Router
	server    *transport.Server
	connector *transport.Connector
	stack     atomic.Pointer[stack.Stack]

	started   bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	closeChan chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates an endpoint bound to bind once started.
func New(bind string, cfg *config.NetworkConfig, opts ...Option) (*Endpoint, error) {
	if cfg == nil {
		return nil, fmt.Errorf("network config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}

	e := &Endpoint{
		bind:         bind,
		cfg:          cfg,
		protocol:     "udp",
		security:     config.DefaultSecurity(),
		logger:       exchange.DefaultLogger(),
		metrics:      metrics.Nop{},
		storeMetrics: metrics.Nop{},
		bwMetrics:    metrics.Nop{},
		router:       mux.NewRouter(),
		closeChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := config.ValidateProtocol(e.protocol); err != nil {
		return nil, err
	}
	if err := config.ValidateSecurityConfig(e.protocol, e.security); err != nil {
		return nil, fmt.Errorf("invalid security config: %w", err)
	}

	if e.exchanges == nil {
		store, err := exchange.NewInMemoryStore(cfg,
			exchange.WithLogger(e.logger),
			exchange.WithMetrics(e.storeMetrics))
		if err != nil {
			return nil, fmt.Errorf("failed to create exchange store: %w", err)
		}
		e.exchanges = store
	}
	if e.observations == nil {
		e.observations = observe.NewInMemoryStore()
	}
	if e.stackFactory == nil {
		e.stackFactory = stack.New
	}
	return e, nil
}

// Handle registers handler for path. Every request reaching it is recorded
// in the exchange store.
func (e *Endpoint) Handle(path string, handler mux.Handler) error {
	if err := e.router.Handle(path, e.record(handler)); err != nil {
		return fmt.Errorf("failed to register handler for %s: %w", path, err)
	}
	return nil
}

// HandleFunc registers fn for path.
func (e *Endpoint) HandleFunc(path string, fn func(w mux.ResponseWriter, r *mux.Message)) error {
	return e.Handle(path, mux.HandlerFunc(fn))
}

// record wraps handler with exchange bookkeeping. Confirmable requests stay
// in the store until they expire so that retransmissions are detected as
// duplicates; non-confirmable requests complete when the handler returns.
func (e *Endpoint) record(handler mux.Handler) mux.Handler {
	return mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
		e.metrics.RecordRequest()

		peer := w.Conn().RemoteAddr().String()
		path, err := r.Options().Path()
		if err != nil || path == "" {
			path = "/"
		}

		ex := &exchange.Exchange{
			Key:         exchange.KeyMID(peer, r.MessageID()),
			Origin:      exchange.Remote,
			Peer:        peer,
			Token:       r.Token(),
			MessageID:   r.MessageID(),
			Code:        r.Code(),
			Path:        path,
			Confirmable: r.Type() == message.Confirmable,
		}
		if err := e.exchanges.Register(ex); err != nil {
			if errors.Is(err, exchange.ErrExchangeExists) {
				e.metrics.RecordDuplicate()
				e.logger.Debugf("Duplicate request %d from %s for %s", r.MessageID(), peer, path)
				return
			}
			e.logger.Warnf("Failed to register exchange from %s: %v", peer, err)
		}

		st := e.Stack()
		if st != nil {
			if err := st.ReceiveRequest(peer, r.Message); err != nil {
				e.logger.Warnf("Failed to track request from %s for %s: %v", peer, path, err)
			}
		}
		e.trackObservation(peer, path, r)

		handler.ServeCOAP(w, r)

		if st != nil {
			if resp := w.Message(); resp != nil {
				if err := st.SendResponse(peer, path, resp); err != nil {
					e.logger.Warnf("Failed to track response to %s for %s: %v", peer, path, err)
				}
			}
		}
		if !ex.Confirmable {
			e.exchanges.Complete(ex.Key)
		}
	})
}

func (e *Endpoint) trackObservation(peer, path string, r *mux.Message) {
	obs, err := r.Options().GetUint32(message.Observe)
	if err != nil {
		return
	}

	key := observe.Key(peer, r.Token())
	switch obs {
	case 0:
		err := e.observations.Add(observe.Observation{Peer: peer, Token: r.Token(), Path: path})
		if err != nil && !errors.Is(err, observe.ErrObservationExists) {
			e.logger.Warnf("Failed to add observation of %s by %s: %v", path, peer, err)
		}
	case 1:
		e.observations.Remove(key)
	}
	e.metrics.SetObservations(e.observations.Len())
}

// Start binds the endpoint and serves requests in the background. The
// exchange store and stack sweeps run until Close or ctx is done.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}

	server, err := transport.Listen(e.protocol, e.bind, e.security, e.router)
	if err != nil {
		return err
	}
	dialer, err := transport.NewDialer(e.protocol, e.security)
	if err != nil {
		server.Close()
		return err
	}

	e.server = server
	e.connector = transport.NewConnector(dialer,
		transport.WithConnectorLogger(e.logger),
		transport.WithCircuitBreaker(e.breaker))

	st := e.stackFactory(e.cfg, e.connector,
		stack.WithLogger(e.logger),
		stack.WithBlockwiseMetrics(e.bwMetrics))
	if st == nil {
		server.Close()
		return fmt.Errorf("stack factory returned no stack")
	}
	e.stack.Store(st)

	e.exchanges.Start(ctx)
	st.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if err := server.Serve(); err != nil {
			select {
			case <-e.closeChan:
				e.logger.Debug("CoAP endpoint shutdown")
			default:
				e.logger.Errorf("CoAP endpoint server error: %v", err)
			}
		}
	}()

	e.started = true
	e.logger.Infof("CoAP endpoint listening on %s (%s)", server.Addr(), e.protocol)
	return nil
}

// Addr returns the bound address, or an empty string before Start.
func (e *Endpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server == nil || e.server.Addr() == nil {
		return ""
	}
	return e.server.Addr().String()
}

// RequestOption adjusts a request built by NewRequest.
type RequestOption func(req *pool.Message) error

// NonConfirmable sends the request without acknowledgement.
func NonConfirmable() RequestOption {
	return func(req *pool.Message) error {
		req.SetType(message.NonConfirmable)
		return nil
	}
}

// WithObserve sets the Observe option (0 registers, 1 deregisters).
func WithObserve(value uint32) RequestOption {
	return func(req *pool.Message) error {
		req.SetOptionUint32(message.Observe, value)
		return nil
	}
}

// WithContentFormat sets the content format of the payload.
func WithContentFormat(mt message.MediaType) RequestOption {
	return func(req *pool.Message) error {
		req.SetContentFormat(mt)
		return nil
	}
}

// NewRequest builds a confirmable request with a fresh token.
func (e *Endpoint) NewRequest(ctx context.Context, code codes.Code, path string, payload []byte, opts ...RequestOption) (*pool.Message, error) {
	token, err := message.GetToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	req := pool.NewMessage(ctx)
	req.SetCode(code)
	req.SetType(message.Confirmable)
	req.SetToken(token)
	req.SetMessageID(message.GetMID())
	if err := req.SetPath(path); err != nil {
		return nil, fmt.Errorf("failed to set path %s: %w", path, err)
	}
	if payload != nil {
		req.SetBody(bytes.NewReader(payload))
	}

	for _, opt := range opts {
		if err := opt(req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Do sends req to peer and returns the response. The request is kept as a
// local exchange until the response or an error arrives.
func (e *Endpoint) Do(ctx context.Context, peer string, req *pool.Message) (*pool.Message, error) {
	st := e.Stack()
	if st == nil {
		return nil, ErrNotStarted
	}

	path, _ := req.Path()
	ex := &exchange.Exchange{
		Key:         exchange.KeyToken(peer, req.Token()),
		Origin:      exchange.Local,
		Peer:        peer,
		Token:       req.Token(),
		MessageID:   req.MessageID(),
		Code:        req.Code(),
		Path:        path,
		Confirmable: req.Type() == message.Confirmable,
	}
	if err := e.exchanges.Register(ex); err != nil {
		return nil, fmt.Errorf("failed to register request to %s: %w", peer, err)
	}
	defer e.exchanges.Complete(ex.Key)

	resp, err := st.SendRequest(ctx, peer, req)
	if err != nil {
		return resp, fmt.Errorf("%s %s to %s failed: %w", req.Code(), path, peer, err)
	}
	return resp, nil
}

// Close stops serving and background sweeps. Stored state is kept so it can
// still be inspected. Safe to call more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closeChan)

		e.mu.Lock()
		server, connector := e.server, e.connector
		e.mu.Unlock()

		var errs []error
		if server != nil {
			if err := server.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close server: %w", err))
			}
		}
		e.wg.Wait()

		if connector != nil {
			if err := connector.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if st := e.Stack(); st != nil {
			st.Stop()
		}
		e.exchanges.Stop()
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// Config returns the network configuration of the endpoint.
func (e *Endpoint) Config() *config.NetworkConfig {
	return e.cfg
}

func (e *Endpoint) ExchangeStore() *exchange.InMemoryStore {
	return e.exchanges
}

func (e *Endpoint) ObservationStore() *observe.InMemoryStore {
	return e.observations
}

// Stack returns the protocol stack, or nil before Start.
func (e *Endpoint) Stack() *stack.Stack {
	return e.stack.Load()
}
