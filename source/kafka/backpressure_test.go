package kafka

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestController_CapacityBlocksUntilRelease(t *testing.T) {
	c := NewController(1)
	ctx := context.Background()
	if err := c.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() { got <- c.Acquire(ctx) }()

	select {
	case <-got:
		t.Fatal("second acquire should block at capacity")
	case <-time.After(20 * time.Millisecond):
	}
	c.Release(1)
	if err := <-got; err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestController_PauseGatesAcquire(t *testing.T) {
	c := NewController(10)
	c.Pause()
	if c.TryAcquire(1) {
		t.Fatal("TryAcquire must fail while paused")
	}

	got := make(chan error, 1)
	go func() { got <- c.Acquire(context.Background()) }()
	select {
	case <-got:
		t.Fatal("acquire should block while paused")
	case <-time.After(20 * time.Millisecond):
	}
	c.Resume()
	if err := <-got; err != nil {
		t.Fatalf("acquire after resume: %v", err)
	}
	if c.InFlight() != 1 {
		t.Fatalf("want 1 in flight, got %d", c.InFlight())
	}
}

func TestController_ContextCancelUnblocks(t *testing.T) {
	c := NewController(1)
	c.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() { got <- c.Acquire(ctx) }()
	cancel()
	if err := <-got; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestController_CloseUnblocks(t *testing.T) {
	c := NewController(1)
	c.Pause()
	got := make(chan error, 1)
	go func() { got <- c.Acquire(context.Background()) }()
	c.Close()
	if err := <-got; !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("want ErrControllerClosed, got %v", err)
	}
}
