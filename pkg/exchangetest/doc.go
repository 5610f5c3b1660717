// Package exchangetest asserts that a CoAP exchange layer has released all
// of its per-request state after a test scenario.
//
// Reclamation happens on the engine's own timers, so the assertions poll
// the stores for up to exchange_lifetime + mark_and_sweep_interval + 300ms
// before failing. When they do fail, logging is made more verbose for the
// final check so that the stores dump what they still hold.
//
//	client, _ := exchangetest.NewTestEndpoint("127.0.0.1:0", cfg)
//	server, _ := exchangetest.NewTestEndpoint("127.0.0.1:0", cfg)
//	// ... exercise both ...
//	exchangetest.AssertAllExchangesAreCompleted(t, cfg, client.ExchangeStore(), server.ExchangeStore())
package exchangetest
