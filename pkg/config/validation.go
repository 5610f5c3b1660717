// pkg/config/validation.go
package config

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SecurityConfig describes how an endpoint secures its transport.
type SecurityConfig struct {
	Mode         string `yaml:"mode"`
	PSKIdentity  string `yaml:"psk_identity,omitempty"`
	PSKKey       string `yaml:"psk_key,omitempty"`
	CertFile     string `yaml:"cert_file,omitempty"`
	KeyFile      string `yaml:"key_file,omitempty"`
	CACertFile   string `yaml:"ca_cert_file,omitempty"`
	InsecureSkip bool   `yaml:"insecure_skip_verify"`
}

var (
	// Valid endpoint protocols
	validProtocols = map[string]bool{
		"udp":      true,
		"udp-dtls": true,
	}

	// Valid security modes per protocol
	validSecurityModes = map[string][]string{
		"udp":      {"none"},
		"udp-dtls": {"psk", "certificate"},
	}

	// CoAP SZX block sizes
	validBlockSizes = []int{16, 32, 64, 128, 256, 512, 1024}
)

// Validate checks that the timing values the exchange layer relies on are
// present and sane. Keys other than the two exchange timings and the
// blockwise status lifetime are optional.
func (c *NetworkConfig) Validate() error {
	lifetime, err := c.GetLong(KeyExchangeLifetime)
	if err != nil {
		return err
	}
	if lifetime < 0 {
		return fmt.Errorf("%s cannot be negative", KeyExchangeLifetime)
	}

	sweep, err := c.GetLong(KeyMarkAndSweepInterval)
	if err != nil {
		return err
	}
	if sweep <= 0 {
		return fmt.Errorf("%s must be positive", KeyMarkAndSweepInterval)
	}

	// The blockwise layer is built on the first block option seen, so its
	// lifetime must be known up front.
	status, err := c.GetLong(KeyBlockwiseStatusLifetime)
	if err != nil {
		return err
	}
	if status <= 0 {
		return fmt.Errorf("%s must be positive", KeyBlockwiseStatusLifetime)
	}

	for _, key := range []string{KeyAckTimeout, KeyMaxRetransmit, KeyMaxMessageSize} {
		v, err := c.GetLong(key)
		if errors.Is(err, ErrMissingKey) {
			continue
		}
		if v < 0 {
			return fmt.Errorf("%s cannot be negative", key)
		}
	}

	if size, err := c.GetInt(KeyPreferredBlockSize); err == nil {
		if !slices.Contains(validBlockSizes, size) {
			return fmt.Errorf("%s must be one of %v, got %d", KeyPreferredBlockSize, validBlockSizes, size)
		}
	} else if !errors.Is(err, ErrMissingKey) {
		return err
	}

	return nil
}

// ValidateProtocol checks if the protocol is supported
func ValidateProtocol(protocol string) error {
	if !validProtocols[protocol] {
		return fmt.Errorf("unsupported protocol %s, must be one of: %s",
			protocol, strings.Join(slices.Sorted(maps.Keys(validProtocols)), ", "))
	}
	return nil
}

// ValidatePeer accepts either a coap(s):// URL or a bare host:port and
// returns the host:port to dial.
func ValidatePeer(peer, protocol string) (string, error) {
	if !strings.Contains(peer, "://") {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return "", fmt.Errorf("invalid peer address %s: %w", peer, err)
		}
		return peer, nil
	}

	parsedURL, err := url.Parse(peer)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	expectedScheme := getExpectedScheme(protocol)
	if parsedURL.Scheme != expectedScheme {
		return "", fmt.Errorf("scheme %s does not match protocol %s (expected %s)",
			parsedURL.Scheme, protocol, expectedScheme)
	}

	if parsedURL.Hostname() == "" {
		return "", fmt.Errorf("host is required")
	}

	port := parsedURL.Port()
	switch port {
	case "0":
		return "", fmt.Errorf("port cannot be 0")
	case "":
		port = defaultPort(protocol)
	}

	return net.JoinHostPort(parsedURL.Hostname(), port), nil
}

// ValidateSecurityConfig validates security configuration against protocol
func ValidateSecurityConfig(protocol string, security SecurityConfig) error {
	validModes := validSecurityModes[protocol]
	if validModes == nil {
		return fmt.Errorf("unknown protocol: %s", protocol)
	}

	if !slices.Contains(validModes, security.Mode) {
		return fmt.Errorf("security mode %s not valid for protocol %s, must be one of: %s",
			security.Mode, protocol, strings.Join(validModes, ", "))
	}

	switch security.Mode {
	case "psk":
		if security.PSKIdentity == "" {
			return fmt.Errorf("psk_identity is required for PSK mode")
		}
		if security.PSKKey == "" {
			return fmt.Errorf("psk_key is required for PSK mode")
		}
		if len(security.PSKKey) < 4 {
			return fmt.Errorf("psk_key too short (minimum 4 characters)")
		}

	case "certificate":
		if security.CertFile == "" {
			return fmt.Errorf("cert_file is required for certificate mode")
		}
		if security.KeyFile == "" {
			return fmt.Errorf("key_file is required for certificate mode")
		}
		if err := validateFileExists(security.CertFile); err != nil {
			return fmt.Errorf("cert_file: %w", err)
		}
		if err := validateFileExists(security.KeyFile); err != nil {
			return fmt.Errorf("key_file: %w", err)
		}
		if security.CACertFile != "" {
			if err := validateFileExists(security.CACertFile); err != nil {
				return fmt.Errorf("ca_cert_file: %w", err)
			}
		}
	}

	return nil
}

// Helper functions

func getExpectedScheme(protocol string) string {
	if protocol == "udp-dtls" {
		return "coaps"
	}
	return "coap"
}

func defaultPort(protocol string) string {
	if protocol == "udp-dtls" {
		return "5684"
	}
	return "5683"
}

func validateFileExists(filename string) error {
	if filename == "" {
		return fmt.Errorf("filename cannot be empty")
	}

	// Expand environment variables and home directory
	expanded := os.ExpandEnv(filename)
	if strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		expanded = filepath.Join(home, expanded[2:])
	}

	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", expanded)
		}
		return fmt.Errorf("cannot access file %s: %w", expanded, err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", expanded)
	}

	file, err := os.Open(expanded)
	if err != nil {
		return fmt.Errorf("file is not readable: %s (%w)", expanded, err)
	}
	defer file.Close()

	buffer := make([]byte, 1)
	if _, err = file.Read(buffer); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("error reading file %s: %w", expanded, err)
	}

	return nil
}
