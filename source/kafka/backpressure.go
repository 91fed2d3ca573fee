package kafka

import (
	"context"
	"errors"
	"sync"
)

var ErrControllerClosed = errors.New("backpressure controller closed")

// Controller bounds the number of messages in flight across partitions and
// gates fetching while paused.
type Controller struct {
	capacity int64

	mu     sync.Mutex
	cond   *sync.Cond
	tokens int64
	paused bool
	closed bool
}

func NewController(capacity int64) *Controller {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Controller{
		capacity: capacity,
		tokens:   capacity,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire blocks until a token is free and the controller is not paused.
func (c *Controller) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for (c.tokens == 0 || c.paused) && !c.closed && ctx.Err() == nil {
		c.cond.Wait()
	}
	if c.closed {
		return ErrControllerClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.tokens--
	return nil
}

func (c *Controller) TryAcquire(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.closed || c.tokens < n {
		return false
	}
	c.tokens -= n
	return true
}

func (c *Controller) Release(n int64) {
	c.mu.Lock()
	c.tokens += n
	if c.tokens > c.capacity {
		c.tokens = c.capacity
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

// WaitResumed blocks while the controller is paused. Drivers call it after a
// fetch so a message read just before Pause is held back until Resume.
func (c *Controller) WaitResumed(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && !c.closed && ctx.Err() == nil {
		c.cond.Wait()
	}
	if c.closed {
		return ErrControllerClosed
	}
	return ctx.Err()
}

func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// InFlight is the number of tokens currently held.
func (c *Controller) InFlight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.tokens
}

func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}
