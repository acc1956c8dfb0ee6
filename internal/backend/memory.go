package backend

import (
	"context"
	"sync"

	"github.com/phietala/belt/pkg/api"
)

// MemoryBackend is a goroutine-safe result store backed by a map.
type MemoryBackend struct {
	mu      sync.RWMutex
	results map[string]*api.ResultMeta
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		results: make(map[string]*api.ResultMeta),
	}
}

// Ensure MemoryBackend implements Backend.
var _ api.Backend = (*MemoryBackend)(nil)

func (b *MemoryBackend) StoreResult(ctx context.Context, requestID string, res *api.ResultMeta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := *res
	b.results[requestID] = &cp
	return nil
}

func (b *MemoryBackend) GetResult(ctx context.Context, requestID string) (*api.ResultMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	res, ok := b.results[requestID]
	if !ok {
		return nil, api.ErrResultNotFound
	}

	cp := *res
	return &cp, nil
}

func (b *MemoryBackend) Close() error { return nil }

// Len reports how many results are stored.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.results)
}
