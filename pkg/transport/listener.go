// pkg/transport/listener.go
package transport

import (
	"fmt"
	"net"
	"sync"

	coapDTLS "github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapNet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
)

// Server is a bound CoAP server that has not necessarily started serving.
type Server struct {
	protocol string
	addr     net.Addr

	serve func() error
	stop  func()
	close func() error

	closeOnce sync.Once
	closeErr  error
}

// Listen binds bind for protocol and prepares a server dispatching to
// handler. Call Serve to process requests.
func Listen(protocol, bind string, security config.SecurityConfig, handler mux.Handler) (*Server, error) {
	switch protocol {
	case "udp":
		conn, err := coapNet.NewListenUDP("udp", bind)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on UDP address %s: %w", bind, err)
		}
		srv := udp.NewServer(options.WithMux(handler), disableBlockwise)
		return &Server{
			protocol: protocol,
			addr:     conn.LocalAddr(),
			serve:    func() error { return srv.Serve(conn) },
			stop:     srv.Stop,
			close:    conn.Close,
		}, nil

	case "udp-dtls":
		dtlsCfg, err := createDTLSConfig(security, DefaultLoggerFactory())
		if err != nil {
			return nil, fmt.Errorf("failed to create DTLS config: %w", err)
		}
		l, err := coapNet.NewDTLSListener("udp", bind, dtlsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on DTLS address %s: %w", bind, err)
		}
		srv := coapDTLS.NewServer(options.WithMux(handler), disableBlockwise)
		return &Server{
			protocol: protocol,
			addr:     l.Addr(),
			serve:    func() error { return srv.Serve(l) },
			stop:     srv.Stop,
			close:    l.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

func (s *Server) Protocol() string {
	return s.protocol
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve blocks until the server is closed.
func (s *Server) Serve() error {
	return s.serve()
}

// Close stops the server and releases the socket.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		s.closeErr = s.close()
	})
	return s.closeErr
}
