package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	store, err := New(context.Background(), Config{Addr: mr.Addr(), Prefix: "test:", TTL: ttl})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStore_AddGetRemove(t *testing.T) {
	store, mr := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.Add(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !mr.Exists("test:cache:k") {
		t.Errorf("expected prefixed key in redis, keys = %v", mr.Keys())
	}

	got, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get() = %q, %v, %v", got, ok, err)
	}

	if _, ok, err := store.Get(ctx, "missing"); ok || err != nil {
		t.Errorf("Get(missing) = %v, %v, want absent without error", ok, err)
	}

	removed, err := store.Remove(ctx, "k")
	if err != nil || !removed {
		t.Fatalf("Remove() = %v, %v, want true", removed, err)
	}
	removed, _ = store.Remove(ctx, "k")
	if removed {
		t.Error("second Remove() = true, want false")
	}
}

func TestRedisStore_TTL(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Add(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if ttl := mr.TTL("test:cache:k"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Error("entry should have expired")
	}
}

func TestRedisStore_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := New(context.Background(), Config{Addr: addr}); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestRedisStore_LifecycleEvents(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()

	events := []*domain.LifecycleEvent{
		{Type: domain.PipelineEventFilterError, ExecutionID: "exec-1", Data: domain.LifecycleFailedData{Message: "boom"}},
		{Type: domain.PipelineEventComplete, ExecutionID: "exec-1"},
		{Type: domain.PipelineEventError, ExecutionID: "exec-2"},
	}
	for _, ev := range events {
		if err := store.AppendLifecycleEvent(ctx, ev); err != nil {
			t.Fatalf("AppendLifecycleEvent() error = %v", err)
		}
	}

	got, err := store.ListLifecycleEvents(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListLifecycleEvents() error = %v", err)
	}
	if len(got) != 2 || got[1].Type != domain.PipelineEventComplete {
		t.Fatalf("events = %+v", got)
	}
	if got[1].Data != nil {
		t.Errorf("data = %v, want nil", got[1].Data)
	}

	var data domain.LifecycleFailedData
	if err := json.Unmarshal(got[0].Data.(json.RawMessage), &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Message != "boom" {
		t.Errorf("message = %q, want boom", data.Message)
	}

	all, _ := store.ListLifecycleEvents(ctx, "")
	if len(all) != 3 {
		t.Errorf("all events = %d, want 3", len(all))
	}
}
