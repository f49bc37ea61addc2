package circuit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerLimitsConcurrency(t *testing.T) {
	b := New("team-a/monitor-1", Config{MaxConcurrent: 2, MaxQueueSize: 0, QueueTimeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if err := b.Acquire(ctx); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	b.Release()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if got := b.Stats().Active; got != 2 {
		t.Errorf("Active = %d, want 2", got)
	}
}

func TestBreakerQueueWaitsForRelease(t *testing.T) {
	b := New("team-a/monitor-1", Config{MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: 2 * time.Second})
	ctx := context.Background()
	if err := b.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Acquire(ctx) }()

	deadline := time.Now().Add(time.Second)
	for b.Stats().Waiting != 1 {
		if time.Now().After(deadline) {
			t.Fatal("caller never queued")
		}
		time.Sleep(time.Millisecond)
	}

	b.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued Acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued caller was not admitted")
	}
	if s := b.Stats(); s.Active != 1 || s.Waiting != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestBreakerQueueTimeoutAndCancel(t *testing.T) {
	b := New("team-a/monitor-1", Config{MaxConcurrent: 1, MaxQueueSize: 4, QueueTimeout: 20 * time.Millisecond})
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := b.Acquire(context.Background()); !errors.Is(err, ErrQueueTimeout) {
		t.Errorf("expected ErrQueueTimeout, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if got := b.Stats().Waiting; got != 0 {
		t.Errorf("Waiting = %d after abandoned waits", got)
	}
}

func TestManagerSeparatesAgents(t *testing.T) {
	m := NewManager(Config{MaxConcurrent: 1, MaxQueueSize: 0})
	a := m.Get("team-a/monitor-1")
	if m.Get("team-a/monitor-1") != a {
		t.Fatal("expected the same breaker for the same agent")
	}

	if err := a.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	// A saturated agent does not affect another one.
	if err := m.Get("team-b/planner").Acquire(context.Background()); err != nil {
		t.Errorf("other agent rejected: %v", err)
	}

	m.UpdateConfig(Config{MaxConcurrent: 3})
	if got := m.Get("team-c/new").Stats().MaxCapacity; got != 3 {
		t.Errorf("MaxCapacity = %d, want 3", got)
	}
}

func TestManagerUpdateConfigResizesExistingBreakers(t *testing.T) {
	m := NewManager(Config{MaxConcurrent: 1, MaxQueueSize: 1, QueueTimeout: 2 * time.Second})
	b := m.Get("team-a/monitor-1")
	ctx := context.Background()
	if err := b.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Acquire(ctx) }()
	deadline := time.Now().Add(time.Second)
	for b.Stats().Waiting != 1 {
		if time.Now().After(deadline) {
			t.Fatal("caller never queued")
		}
		time.Sleep(time.Millisecond)
	}

	// Raising the limit admits the queued caller without a release.
	m.UpdateConfig(Config{MaxConcurrent: 2, MaxQueueSize: 0, QueueTimeout: 2 * time.Second})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued Acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued caller was not admitted after the limit grew")
	}
	if s := b.Stats(); s.Active != 2 || s.MaxCapacity != 2 || s.MaxQueue != 0 {
		t.Errorf("unexpected stats after grow %+v", s)
	}

	// Lowering it keeps in-flight calls and rejects newcomers until they drain.
	m.UpdateConfig(Config{MaxConcurrent: 1, MaxQueueSize: 0})
	if err := b.Acquire(ctx); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull over the lowered limit, got %v", err)
	}
	b.Release()
	if err := b.Acquire(ctx); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull at the lowered limit, got %v", err)
	}
	b.Release()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire once drained below the limit: %v", err)
	}
	if got := b.Stats().MaxCapacity; got != 1 {
		t.Errorf("MaxCapacity = %d, want 1", got)
	}
}
