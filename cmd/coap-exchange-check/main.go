// cmd/coap-exchange-check/main.go

// coap-exchange-check sends a batch of requests to a CoAP peer and waits
// until every exchange it took part in has been reclaimed. Without
// --target it starts a local echo endpoint and checks both sides.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/spf13/pflag"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
	"github.com/twinfer/coap-exchange-harness/pkg/endpoint"
	"github.com/twinfer/coap-exchange-harness/pkg/exchange"
	"github.com/twinfer/coap-exchange-harness/pkg/exchangetest"
	"github.com/twinfer/coap-exchange-harness/pkg/transport"
)

// Version information
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type options struct {
	target      string
	configPath  string
	preset      string
	protocol    string
	path        string
	requests    int
	nonConfirm  bool
	pskIdentity string
	pskKey      string
	verbose     bool
	failures    int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("coap-exchange-check", pflag.ContinueOnError)
	flagSet.StringVar(&opts.target, "target", "", "peer to check, host:port or coap(s):// URL (default: local echo endpoint)")
	flagSet.StringVar(&opts.configPath, "config", "", "YAML file with network settings merged over the preset")
	flagSet.StringVar(&opts.preset, "preset", "testing", "base network settings: testing or standard")
	flagSet.StringVar(&opts.protocol, "protocol", "udp", "transport: udp or udp-dtls")
	flagSet.StringVar(&opts.path, "path", "/echo", "resource path to request")
	flagSet.IntVarP(&opts.requests, "requests", "n", 10, "number of requests to send")
	flagSet.BoolVar(&opts.nonConfirm, "non", false, "send non-confirmable requests")
	flagSet.StringVar(&opts.pskIdentity, "psk-identity", "", "DTLS PSK identity")
	flagSet.StringVar(&opts.pskKey, "psk-key", "", "DTLS PSK key")
	flagSet.IntVar(&opts.failures, "circuit-failures", 0, "stop sending after this many consecutive failures (0 disables)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if v, _ := flagSet.GetBool("version"); v {
		fmt.Printf("coap-exchange-check %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if opts.requests < 1 {
		return fmt.Errorf("--requests must be at least 1")
	}

	if opts.verbose {
		exchange.DumpLevel.Set(slog.LevelDebug)
	}
	logger := exchange.DefaultLogger()

	cfg, err := loadConfig(opts.preset, opts.configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return check(ctx, logger, cfg, opts)
}

func loadConfig(preset, path string) (*config.NetworkConfig, error) {
	var cfg *config.NetworkConfig
	switch preset {
	case "testing":
		cfg = config.ForTesting()
	case "standard":
		cfg = config.Standard()
	default:
		return nil, fmt.Errorf("unknown preset %s, must be testing or standard", preset)
	}

	if path != "" {
		overrides, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = cfg.Merge(overrides)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}
	return cfg, nil
}

func security(opts options) config.SecurityConfig {
	if opts.pskIdentity == "" && opts.pskKey == "" {
		return config.DefaultSecurity()
	}
	return config.SecurityConfig{
		Mode:        "psk",
		PSKIdentity: opts.pskIdentity,
		PSKKey:      opts.pskKey,
	}
}

func check(ctx context.Context, logger *service.Logger, cfg *config.NetworkConfig, opts options) error {
	sec := security(opts)
	epOpts := []endpoint.Option{
		endpoint.WithLogger(logger),
		endpoint.WithSecurity(opts.protocol, sec),
		endpoint.WithCircuitBreaker(transport.BreakerConfig{
			Enabled:          opts.failures > 0,
			FailureThreshold: opts.failures,
		}),
	}

	var stores []exchangetest.Store
	target := opts.target

	if target == "" {
		server, err := exchangetest.NewTestEndpoint("127.0.0.1:0", cfg, exchangetest.WithEndpointOptions(epOpts...))
		if err != nil {
			return fmt.Errorf("failed to create echo endpoint: %w", err)
		}
		if err := server.Endpoint().HandleFunc(opts.path, echo); err != nil {
			return err
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("failed to start echo endpoint: %w", err)
		}
		defer server.Close()

		target = server.Addr()
		stores = append(stores, server)
	} else {
		peer, err := config.ValidatePeer(target, opts.protocol)
		if err != nil {
			return err
		}
		target = peer
	}

	client, err := exchangetest.NewTestEndpoint("127.0.0.1:0", cfg, exchangetest.WithEndpointOptions(epOpts...))
	if err != nil {
		return fmt.Errorf("failed to create client endpoint: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client endpoint: %w", err)
	}
	defer client.Close()
	stores = append(stores, client)

	var reqOpts []endpoint.RequestOption
	if opts.nonConfirm {
		reqOpts = append(reqOpts, endpoint.NonConfirmable())
	}

	for i := 0; i < opts.requests; i++ {
		req, err := client.Endpoint().NewRequest(ctx, codes.GET, opts.path, nil, reqOpts...)
		if err != nil {
			return err
		}
		resp, err := client.Endpoint().Do(ctx, target, req)
		if err != nil {
			return fmt.Errorf("request %d: %w", i+1, err)
		}
		logger.Debugf("Request %d to %s: %s", i+1, target, resp.Code())
	}
	logger.Infof("Sent %d requests to %s", opts.requests, target)

	budget, err := exchangetest.BudgetFromConfig(cfg)
	if err != nil {
		return err
	}

	empty := func() bool {
		for _, s := range stores {
			if !s.IsEmpty() {
				return false
			}
		}
		return true
	}

	scope := exchangetest.AcquireLevel(exchange.DumpLevel)
	defer scope.Release()

	err = exchangetest.WaitForCondition(ctx, budget.Budget, budget.PollInterval, exchangetest.Check(empty),
		exchangetest.WithDescription("all exchanges are completed"),
		exchangetest.WithWaitLogger(logger))
	if err != nil {
		return fmt.Errorf("wait for exchange completion interrupted: %w", err)
	}
	if empty() {
		logger.Infof("All exchanges completed within %s", budget)
		return nil
	}

	scope.Elevate(exchangetest.LevelFinest)
	for _, s := range stores {
		s.IsEmpty()
	}
	return fmt.Errorf("exchanges still pending after %s", budget)
}

func echo(w mux.ResponseWriter, r *mux.Message) {
	var body []byte
	if r.Body() != nil {
		if data, err := r.ReadBody(); err == nil {
			body = data
		}
	}
	if len(body) == 0 {
		body = []byte("ok")
	}
	if err := w.SetResponse(codes.Content, message.TextPlain, bytes.NewReader(body)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to respond: %v\n", err)
	}
}
