// pkg/observe/store.go
package observe

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
)

// ErrObservationExists is returned when a peer registers the same token twice.
var ErrObservationExists = errors.New("observation already registered")

// Observation is an active Observe registration of a peer.
type Observation struct {
	Peer       string
	Token      message.Token
	Path       string
	Registered time.Time
}

// Key identifies the observation of peer under token.
func Key(peer string, token message.Token) string {
	return peer + "#" + hex.EncodeToString(token)
}

// Key returns the store key of o.
func (o Observation) Key() string {
	return Key(o.Peer, o.Token)
}

// InMemoryStore keeps active observations.
type InMemoryStore struct {
	observations map[string]Observation
	mu           sync.RWMutex
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{observations: make(map[string]Observation)}
}

// Add registers o.
func (s *InMemoryStore) Add(o Observation) error {
	if o.Registered.IsZero() {
		o.Registered = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := o.Key()
	if _, exists := s.observations[key]; exists {
		return fmt.Errorf("%w: %s", ErrObservationExists, key)
	}
	s.observations[key] = o
	return nil
}

func (s *InMemoryStore) Get(key string) (Observation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.observations[key]
	return o, ok
}

// Remove deletes the observation under key and reports whether it existed.
func (s *InMemoryStore) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.observations[key]; !ok {
		return false
	}
	delete(s.observations, key)
	return true
}

func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.observations)
}

func (s *InMemoryStore) IsEmpty() bool {
	return s.Len() == 0
}
