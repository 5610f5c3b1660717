package metrics

import (
	"sync/atomic"
	"time"
)

// StoreRecorder receives exchange store events.
type StoreRecorder interface {
	RecordRegistered()
	RecordCompleted()
	RecordExpired(count int)
	RecordSweep(active int)
}

// BlockwiseRecorder receives blockwise transfer events.
type BlockwiseRecorder interface {
	RecordTransferStarted()
	RecordTransferCompleted()
	RecordTransferExpired(count int)
}

// EndpointRecorder receives endpoint traffic events.
type EndpointRecorder interface {
	RecordRequest()
	RecordDuplicate()
	SetObservations(active int)
}

// HarnessRecorder receives the outcome of completion waits.
type HarnessRecorder interface {
	RecordWait(duration time.Duration, satisfied bool)
}

var (
	_ StoreRecorder     = (*StoreMetrics)(nil)
	_ BlockwiseRecorder = (*BlockwiseMetrics)(nil)
	_ EndpointRecorder  = (*EndpointMetrics)(nil)
	_ HarnessRecorder   = (*HarnessMetrics)(nil)

	_ StoreRecorder     = Nop{}
	_ BlockwiseRecorder = Nop{}
	_ EndpointRecorder  = Nop{}
	_ HarnessRecorder   = Nop{}

	_ StoreRecorder     = (*MockRecorder)(nil)
	_ BlockwiseRecorder = (*MockRecorder)(nil)
	_ EndpointRecorder  = (*MockRecorder)(nil)
	_ HarnessRecorder   = (*MockRecorder)(nil)
)

// Nop discards every event. It is the default recorder of all components.
type Nop struct{}

func (Nop) RecordRegistered()              {}
func (Nop) RecordCompleted()               {}
func (Nop) RecordExpired(int)              {}
func (Nop) RecordSweep(int)                {}
func (Nop) RecordTransferStarted()         {}
func (Nop) RecordTransferCompleted()       {}
func (Nop) RecordTransferExpired(int)      {}
func (Nop) RecordRequest()                 {}
func (Nop) RecordDuplicate()               {}
func (Nop) SetObservations(int)            {}
func (Nop) RecordWait(time.Duration, bool) {}

// MockRecorder for testing. Safe for concurrent use.
type MockRecorder struct {
	Registered         atomic.Int64
	Completed          atomic.Int64
	Expired            atomic.Int64
	Sweeps             atomic.Int64
	Active             atomic.Int64
	TransfersStarted   atomic.Int64
	TransfersCompleted atomic.Int64
	TransfersExpired   atomic.Int64
	Requests           atomic.Int64
	Duplicates         atomic.Int64
	Observations       atomic.Int64
	Waits              atomic.Int64
	WaitFailures       atomic.Int64
	LastWait           atomic.Int64
}

func (m *MockRecorder) RecordRegistered() {
	m.Registered.Add(1)
}

func (m *MockRecorder) RecordCompleted() {
	m.Completed.Add(1)
}

func (m *MockRecorder) RecordExpired(count int) {
	m.Expired.Add(int64(count))
}

func (m *MockRecorder) RecordSweep(active int) {
	m.Sweeps.Add(1)
	m.Active.Store(int64(active))
}

func (m *MockRecorder) RecordTransferStarted() {
	m.TransfersStarted.Add(1)
}

func (m *MockRecorder) RecordTransferCompleted() {
	m.TransfersCompleted.Add(1)
}

func (m *MockRecorder) RecordTransferExpired(count int) {
	m.TransfersExpired.Add(int64(count))
}

func (m *MockRecorder) RecordRequest() {
	m.Requests.Add(1)
}

func (m *MockRecorder) RecordDuplicate() {
	m.Duplicates.Add(1)
}

func (m *MockRecorder) SetObservations(active int) {
	m.Observations.Store(int64(active))
}

func (m *MockRecorder) RecordWait(duration time.Duration, satisfied bool) {
	m.Waits.Add(1)
	m.LastWait.Store(int64(duration))
	if !satisfied {
		m.WaitFailures.Add(1)
	}
}
