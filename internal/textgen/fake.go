package textgen

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// FakeGenerator is an in-memory Generator for tests and local development.
// It returns deterministic, short copy and records every call.
type FakeGenerator struct {
	mu    sync.Mutex
	seq   int64
	Calls []GenContext
}

func NewFakeGenerator() *FakeGenerator {
	return &FakeGenerator{}
}

func (f *FakeGenerator) Generate(ctx context.Context, kind Kind, info GenContext) (string, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, info)
	n := atomic.AddInt64(&f.seq, 1)
	f.mu.Unlock()
	return fmt.Sprintf("[%s/%s] generated copy #%d about %s", kind, info.Strategy, n, info.Topic), nil
}
