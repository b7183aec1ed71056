// Package redis is a Redis-backed cache store. Entry expiry is delegated to
// Redis key TTLs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/storage"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "pipeline:"

// Config configures a Store.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Store is a Redis cache backing store and lifecycle event log.
type Store struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	s := NewWithClient(client, cfg.Prefix, cfg.TTL)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client *goredis.Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) cacheKey(key string) string {
	return s.prefix + "cache:" + key
}

func (s *Store) eventsKey(executionID string) string {
	if executionID == "" {
		return s.prefix + "events"
	}
	return s.prefix + "events:" + executionID
}

func (s *Store) Add(ctx context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if err := s.client.Set(ctx, s.cacheKey(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to add cache entry: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, false, err
	}

	value, err := s.client.Get(ctx, s.cacheKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return value, true, nil
}

func (s *Store) Remove(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}

	n, err := s.client.Del(ctx, s.cacheKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return n > 0, nil
}

type storedEvent struct {
	Type        domain.PipelineEventKind `json:"type"`
	Pipeline    string                   `json:"pipeline"`
	ExecutionID string                   `json:"execution_id"`
	Timestamp   time.Time                `json:"timestamp"`
	Data        json.RawMessage          `json:"data,omitempty"`
}

// AppendLifecycleEvent pushes the event onto the execution's list and the
// global list in one transaction.
func (s *Store) AppendLifecycleEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if event.ExecutionID != "" {
			pipe.RPush(ctx, s.eventsKey(event.ExecutionID), payload)
		}
		pipe.RPush(ctx, s.eventsKey(""), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append lifecycle event: %w", err)
	}
	return nil
}

// ListLifecycleEvents returns the events of an execution in append order.
// An empty executionID lists every event. Data is returned as json.RawMessage.
func (s *Store) ListLifecycleEvents(ctx context.Context, executionID string) ([]*domain.LifecycleEvent, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list lifecycle events: %w", err)
	}

	events := make([]*domain.LifecycleEvent, 0, len(raw))
	for _, item := range raw {
		var se storedEvent
		if err := json.Unmarshal([]byte(item), &se); err != nil {
			return nil, fmt.Errorf("failed to decode lifecycle event: %w", err)
		}
		ev := &domain.LifecycleEvent{
			Type:        se.Type,
			Pipeline:    se.Pipeline,
			ExecutionID: se.ExecutionID,
			Timestamp:   se.Timestamp,
		}
		if len(se.Data) > 0 && string(se.Data) != "null" {
			ev.Data = se.Data
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
