// pkg/transport/dialer.go
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	coapDTLS "github.com/plgd-dev/go-coap/v3/dtls"
	coapBlockwise "github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
)

// Block options must reach the stack, so go-coap's own blockwise handling
// is turned off on every connection and server.
var disableBlockwise = options.WithBlockwise(false, coapBlockwise.SZX1024, time.Second)

// Dialer opens client connections to a peer. The connection lives until
// ctx is done or it is closed.
type Dialer interface {
	Dial(ctx context.Context, peer string) (*client.Conn, error)
	Protocol() string
}

// UDPDialer dials plain CoAP over UDP.
type UDPDialer struct{}

func (d *UDPDialer) Protocol() string {
	return "udp"
}

func (d *UDPDialer) Dial(ctx context.Context, peer string) (*client.Conn, error) {
	return udp.Dial(peer, options.WithContext(ctx), disableBlockwise)
}

// DTLSDialer dials CoAP over DTLS.
type DTLSDialer struct {
	Security      config.SecurityConfig
	LoggerFactory logging.LoggerFactory
}

func (d *DTLSDialer) Protocol() string {
	return "udp-dtls"
}

func (d *DTLSDialer) Dial(ctx context.Context, peer string) (*client.Conn, error) {
	cfg, err := createDTLSConfig(d.Security, d.LoggerFactory)
	if err != nil {
		return nil, fmt.Errorf("failed to create DTLS config: %w", err)
	}
	return coapDTLS.Dial(peer, cfg, options.WithContext(ctx), disableBlockwise)
}

// NewDialer returns the dialer for protocol.
func NewDialer(protocol string, security config.SecurityConfig) (Dialer, error) {
	switch protocol {
	case "udp":
		return &UDPDialer{}, nil
	case "udp-dtls":
		return &DTLSDialer{Security: security, LoggerFactory: DefaultLoggerFactory()}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

// DefaultLoggerFactory returns a pion logger factory that only reports
// warnings and errors of the DTLS handshake.
func DefaultLoggerFactory() logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelWarn
	return lf
}

func createDTLSConfig(security config.SecurityConfig, lf logging.LoggerFactory) (*dtls.Config, error) {
	cfg := &dtls.Config{LoggerFactory: lf}

	switch security.Mode {
	case "psk":
		if security.PSKKey == "" || security.PSKIdentity == "" {
			return nil, fmt.Errorf("PSK mode requires both psk_key and psk_identity")
		}

		key := []byte(security.PSKKey)
		cfg.PSK = func(hint []byte) ([]byte, error) {
			return key, nil
		}
		cfg.PSKIdentityHint = []byte(security.PSKIdentity)
		cfg.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_CCM,
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
			dtls.TLS_PSK_WITH_AES_256_CCM_8,
		}

	case "certificate":
		if security.CertFile == "" || security.KeyFile == "" {
			return nil, fmt.Errorf("certificate mode requires both cert_file and key_file")
		}

		cert, err := tls.LoadX509KeyPair(security.CertFile, security.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}

		if security.CACertFile != "" {
			caCertPEM, err := os.ReadFile(security.CACertFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate: %w", err)
			}

			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCertPEM) {
				return nil, fmt.Errorf("failed to parse CA certificate")
			}
			cfg.RootCAs = caCertPool
			cfg.ClientCAs = caCertPool
		}

		cfg.InsecureSkipVerify = security.InsecureSkip

	default:
		return nil, fmt.Errorf("unsupported security mode for DTLS: %s", security.Mode)
	}

	return cfg, nil
}
