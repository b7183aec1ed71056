package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/storage"
)

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// Store is an in-memory cache backing store and lifecycle event log.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	events  []*domain.LifecycleEvent
	ttl     time.Duration
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTTL expires entries ttl after they were added.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Add(ctx context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	e := entry{value: bytes.Clone(value)}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		s.mu.Lock()
		// Re-check: the entry may have been replaced since the read.
		if cur, ok := s.entries[key]; ok && cur.expires.Equal(e.expires) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	return bytes.Clone(e.value), true, nil
}

func (s *Store) Remove(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	delete(s.entries, key)
	return e.expires.IsZero() || s.now().Before(e.expires), nil
}

func (s *Store) AppendLifecycleEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

// ListLifecycleEvents returns the events of an execution in append order.
// An empty executionID lists every event.
func (s *Store) ListLifecycleEvents(ctx context.Context, executionID string) ([]*domain.LifecycleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.LifecycleEvent
	for _, ev := range s.events {
		if executionID == "" || ev.ExecutionID == executionID {
			copied := *ev
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
