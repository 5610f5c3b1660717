// pkg/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"
)

// Manager provides centralized metrics for the exchange layer and harness
type Manager struct {
	// Exchange store metrics
	ExchangesRegistered *service.MetricCounter
	ExchangesCompleted  *service.MetricCounter
	ExchangesExpired    *service.MetricCounter
	ExchangeSweeps      *service.MetricCounter
	ExchangesActive     *service.MetricGauge

	// Blockwise metrics
	BlockwiseStarted   *service.MetricCounter
	BlockwiseCompleted *service.MetricCounter
	BlockwiseExpired   *service.MetricCounter

	// Endpoint metrics
	RequestsReceived   *service.MetricCounter
	Duplicates         *service.MetricCounter
	ObservationsActive *service.MetricGauge

	// Harness metrics
	HarnessWaits        *service.MetricCounter
	HarnessWaitFailures *service.MetricCounter
	HarnessWaitDuration *service.MetricTimer
}

// NewManager creates a new metrics manager
func NewManager(resources *service.Resources) *Manager {
	m := resources.Metrics()
	return &Manager{
		ExchangesRegistered: m.NewCounter("coap_exchanges_registered_total"),
		ExchangesCompleted:  m.NewCounter("coap_exchanges_completed_total"),
		ExchangesExpired:    m.NewCounter("coap_exchanges_expired_total"),
		ExchangeSweeps:      m.NewCounter("coap_exchange_sweeps_total"),
		ExchangesActive:     m.NewGauge("coap_exchanges_active"),

		BlockwiseStarted:   m.NewCounter("coap_blockwise_transfers_started_total"),
		BlockwiseCompleted: m.NewCounter("coap_blockwise_transfers_completed_total"),
		BlockwiseExpired:   m.NewCounter("coap_blockwise_transfers_expired_total"),

		RequestsReceived:   m.NewCounter("coap_endpoint_requests_total"),
		Duplicates:         m.NewCounter("coap_exchange_duplicates_total"),
		ObservationsActive: m.NewGauge("coap_observations_active"),

		HarnessWaits:        m.NewCounter("coap_harness_waits_total"),
		HarnessWaitFailures: m.NewCounter("coap_harness_wait_failures_total"),
		HarnessWaitDuration: m.NewTimer("coap_harness_wait_duration_seconds"),
	}
}

// StoreMetrics records exchange store activity
type StoreMetrics struct {
	manager *Manager
}

func (m *Manager) Store() *StoreMetrics {
	return &StoreMetrics{manager: m}
}

func (s *StoreMetrics) RecordRegistered() {
	s.manager.ExchangesRegistered.Incr(1)
}

func (s *StoreMetrics) RecordCompleted() {
	s.manager.ExchangesCompleted.Incr(1)
}

func (s *StoreMetrics) RecordExpired(count int) {
	s.manager.ExchangesExpired.Incr(int64(count))
}

func (s *StoreMetrics) RecordSweep(active int) {
	s.manager.ExchangeSweeps.Incr(1)
	s.manager.ExchangesActive.Set(int64(active))
}

// BlockwiseMetrics records blockwise transfer tracking
type BlockwiseMetrics struct {
	manager *Manager
}

func (m *Manager) Blockwise() *BlockwiseMetrics {
	return &BlockwiseMetrics{manager: m}
}

func (b *BlockwiseMetrics) RecordTransferStarted() {
	b.manager.BlockwiseStarted.Incr(1)
}

func (b *BlockwiseMetrics) RecordTransferCompleted() {
	b.manager.BlockwiseCompleted.Incr(1)
}

func (b *BlockwiseMetrics) RecordTransferExpired(count int) {
	b.manager.BlockwiseExpired.Incr(int64(count))
}

// EndpointMetrics records inbound traffic on an endpoint
type EndpointMetrics struct {
	manager *Manager
}

func (m *Manager) Endpoint() *EndpointMetrics {
	return &EndpointMetrics{manager: m}
}

func (e *EndpointMetrics) RecordRequest() {
	e.manager.RequestsReceived.Incr(1)
}

func (e *EndpointMetrics) RecordDuplicate() {
	e.manager.Duplicates.Incr(1)
}

func (e *EndpointMetrics) SetObservations(active int) {
	e.manager.ObservationsActive.Set(int64(active))
}

// HarnessMetrics records completion waits
type HarnessMetrics struct {
	manager *Manager
}

func (m *Manager) Harness() *HarnessMetrics {
	return &HarnessMetrics{manager: m}
}

func (h *HarnessMetrics) RecordWait(duration time.Duration, satisfied bool) {
	h.manager.HarnessWaits.Incr(1)
	h.manager.HarnessWaitDuration.Timing(duration.Nanoseconds())
	if !satisfied {
		h.manager.HarnessWaitFailures.Incr(1)
	}
}
