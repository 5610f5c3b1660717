// pkg/metrics/timer.go
package metrics

import (
	"time"
)

// Timer measures a single harness wait
type Timer struct {
	start time.Time
}

// StartTimer creates and starts a new timer
func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop records the elapsed time and outcome on rec
func (t *Timer) Stop(rec HarnessRecorder, satisfied bool) time.Duration {
	duration := time.Since(t.start)
	if rec != nil {
		rec.RecordWait(duration, satisfied)
	}
	return duration
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
