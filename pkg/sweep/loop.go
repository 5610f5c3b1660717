// pkg/sweep/loop.go
package sweep

import (
	"context"
	"sync"
	"time"
)

// Task is run on every tick with the tick time.
type Task func(now time.Time)

// Loop runs a task periodically on its own goroutine.
type Loop struct {
	interval time.Duration
	task     Task

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	mu        sync.Mutex
}

// NewLoop creates a loop running task every interval. A non-positive
// interval is not valid for time.NewTicker and is rejected by Start.
func NewLoop(interval time.Duration, task Task) *Loop {
	return &Loop{
		interval: interval,
		task:     task,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the loop. It returns false if the loop was already started,
// stopped, or has no usable interval. The loop ends on Stop or when ctx is
// done.
func (l *Loop) Start(ctx context.Context) bool {
	if l.interval <= 0 || l.task == nil {
		return false
	}

	launched := false
	l.startOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		select {
		case <-l.stopCh:
			return
		default:
		}
		l.started = true
		launched = true
		go l.run(ctx)
	})
	return launched
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	defer close(l.doneCh)

	for {
		select {
		case now := <-ticker.C:
			l.task(now)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the loop and waits for the running task to return. Safe to call
// more than once and on a loop that was never started.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		close(l.stopCh)
		started := l.started
		l.mu.Unlock()

		if started {
			<-l.doneCh
		}
	})
}

// Done is closed when a started loop has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.doneCh
}
