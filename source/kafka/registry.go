package kafka

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an Adapter (sarama, memory, …).
type Factory func() Adapter

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register is called from main (or a test) before pipelines are compiled.
func Register(name string, f Factory) {
	regMu.Lock()
	registry[name] = f
	regMu.Unlock()
}

// NewAdapter returns a driver by name.
func NewAdapter(name string) (Adapter, error) {
	regMu.RLock()
	f, ok := registry[name]
	regMu.RUnlock()
	if ok {
		return f(), nil
	}
	return nil, fmt.Errorf("kafka: unsupported driver %q (registered: %v)", name, Drivers())
}

func Drivers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
