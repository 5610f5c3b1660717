package exchangetest

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redpanda-data/benthos/v4/public/service"
)

// fakeT records failures. FailNow ends the calling goroutine like
// *testing.T does, so assertions must run through runT.
type fakeT struct {
	mu       sync.Mutex
	messages []string
	failed   bool
	stopped  bool
}

func (f *fakeT) Helper() {}

func (f *fakeT) Errorf(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = true
	f.messages = append(f.messages, fmt.Sprintf(format, args...))
}

func (f *fakeT) FailNow() {
	f.mu.Lock()
	f.failed = true
	f.stopped = true
	f.mu.Unlock()
	runtime.Goexit()
}

func (f *fakeT) Failed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *fakeT) Output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.messages, "\n")
}

// runT runs fn with a fresh fakeT on its own goroutine and waits for it.
func runT(fn func(t *fakeT)) *fakeT {
	ft := &fakeT{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ft)
	}()
	<-done
	return ft
}

// flipStore becomes empty once flip is called.
type flipStore struct {
	empty atomic.Bool
	calls atomic.Int32
	seen  func()
}

func (s *flipStore) IsEmpty() bool {
	s.calls.Add(1)
	if s.seen != nil {
		s.seen()
	}
	return s.empty.Load()
}

func (s *flipStore) flip() {
	s.empty.Store(true)
}

func emptyStore() *flipStore {
	s := &flipStore{}
	s.flip()
	return s
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger(level slog.Leveler) (*service.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level}))), buf
}
