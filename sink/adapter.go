package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Record is one message to publish. Records sharing a Key keep their
// relative order on every driver.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string][]byte
}

// Adapter is the common behaviour every sink exposes.
type Adapter interface {
	Configure(any) error // driver-specific config struct
	// Publish writes records in order and returns only once they are
	// durably accepted, or the first error.
	Publish(ctx context.Context, recs ...Record) error
	Close() error // idempotent
}

/*──────── registry ───────*/

type factory = func() Adapter

var (
	mu  sync.RWMutex
	reg = map[string]factory{}
)

func Register(name string, f factory) {
	mu.Lock()
	reg[name] = f
	mu.Unlock()
}

func NewAdapter(name string) (Adapter, error) {
	mu.RLock()
	f, ok := reg[name]
	mu.RUnlock()
	if ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q (registered: %v)", name, Drivers())
}

func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
