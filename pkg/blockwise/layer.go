// pkg/blockwise/layer.go
package blockwise

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	coapBlockwise "github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/plgd-dev/go-coap/v3/pkg/cache"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exchange-harness/pkg/config"
	"github.com/twinfer/coap-exchange-harness/pkg/metrics"
)

// Direction is the payload direction of a transfer.
type Direction int

const (
	// Block1 transfers carry a request payload.
	Block1 Direction = iota
	// Block2 transfers carry a response payload.
	Block2
)

func (d Direction) String() string {
	if d == Block1 {
		return "block1"
	}
	return "block2"
}

// Status is an in-progress blockwise transfer.
type Status struct {
	Peer      string
	Path      string
	Direction Direction
	Num       int64
	Size      int64
	Created   time.Time
	Updated   time.Time
}

type statusKey struct {
	peer      string
	path      string
	direction Direction
}

// Layer tracks blockwise transfers and forgets those that stop progressing
// for longer than the status lifetime.
type Layer struct {
	statuses *cache.Cache[statusKey, *Status]
	lifetime time.Duration

	logger  *service.Logger
	metrics metrics.BlockwiseRecorder
	mu      sync.Mutex
}

// Option configures a Layer.
type Option func(*Layer)

func WithLogger(logger *service.Logger) Option {
	return func(l *Layer) {
		l.logger = logger
	}
}

func WithMetrics(rec metrics.BlockwiseRecorder) Option {
	return func(l *Layer) {
		if rec != nil {
			l.metrics = rec
		}
	}
}

// NewLayer creates a layer using the blockwise status lifetime of cfg.
func NewLayer(cfg *config.NetworkConfig, opts ...Option) (*Layer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("network config is required")
	}
	lifetime, err := cfg.GetDuration(config.KeyBlockwiseStatusLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to read blockwise status lifetime: %w", err)
	}

	l := &Layer{
		statuses: cache.NewCache[statusKey, *Status](),
		lifetime: lifetime,
		metrics:  metrics.Nop{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// HasBlockOption reports whether msg carries a Block1 or Block2 option.
func HasBlockOption(msg *pool.Message) bool {
	if msg == nil {
		return false
	}
	opts := msg.Options()
	return opts.HasOption(message.Block1) || opts.HasOption(message.Block2)
}

// Observe tracks the block options carried by msg, exchanged with peer on
// path.
func (l *Layer) Observe(peer, path string, msg *pool.Message) error {
	if msg == nil {
		return nil
	}
	opts := msg.Options()

	var errs []error
	for _, opt := range []struct {
		id        message.OptionID
		direction Direction
	}{
		{id: message.Block1, direction: Block1},
		{id: message.Block2, direction: Block2},
	} {
		value, err := opts.GetUint32(opt.id)
		if err != nil {
			if errors.Is(err, message.ErrOptionNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("failed to read %s option: %w", opt.direction, err))
			continue
		}
		if err := l.Track(peer, path, opt.direction, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Track records one block option value. A block with the more flag set
// creates or refreshes the transfer status; the final block removes it.
func (l *Layer) Track(peer, path string, direction Direction, value uint32) error {
	szx, num, more, err := coapBlockwise.DecodeBlockOption(value)
	if err != nil {
		return fmt.Errorf("failed to decode %s option: %w", direction, err)
	}

	key := statusKey{peer: peer, path: path, direction: direction}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.statuses.Load(key)
	if !more {
		if existing != nil {
			l.statuses.Delete(key)
			l.metrics.RecordTransferCompleted()
			l.debugf("Blockwise %s transfer with %s on %s completed after %d blocks", direction, peer, path, num+1)
		}
		return nil
	}

	status := &Status{
		Peer:      peer,
		Path:      path,
		Direction: direction,
		Num:       num,
		Size:      szx.Size(),
		Created:   now,
		Updated:   now,
	}
	if existing != nil {
		status.Created = existing.Data().Created
		l.statuses.Delete(key)
	} else {
		l.metrics.RecordTransferStarted()
	}
	l.statuses.LoadOrStore(key, cache.NewElement(status, now.Add(l.lifetime), l.onExpire))
	return nil
}

// CheckExpirations drops transfers not refreshed within the status lifetime.
func (l *Layer) CheckExpirations(now time.Time) {
	l.statuses.CheckExpirations(now)
}

func (l *Layer) onExpire(s *Status) {
	l.metrics.RecordTransferExpired(1)
	l.debugf("Blockwise %s transfer with %s on %s expired at block %d", s.Direction, s.Peer, s.Path, s.Num)
}

// Len returns the number of in-progress transfers.
func (l *Layer) Len() int {
	return l.statuses.Length()
}

// Statuses returns a snapshot of the in-progress transfers.
func (l *Layer) Statuses() []Status {
	result := make([]Status, 0, l.Len())
	l.statuses.Range(func(_ statusKey, elem *cache.Element[*Status]) bool {
		result = append(result, *elem.Data())
		return true
	})
	return result
}

// IsEmpty reports whether no transfer is in progress.
func (l *Layer) IsEmpty() bool {
	n := l.Len()
	if n > 0 {
		l.debugf("%d blockwise transfers in progress", n)
	}
	return n == 0
}

func (l *Layer) debugf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Debugf(format, args...)
	}
}
