package quota

import (
	"context"
	"maps"
	"sync"
)

// MemoryBackend keeps state in memory. It records every save so tests can
// assert on persistence calls.
type MemoryBackend struct {
	mu      sync.Mutex
	state   map[string]Record
	saves   [][]string
	LoadErr error
	SaveErr error
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty backend. Load reports ErrNoState until the first save.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// NewMemoryBackendWith creates a backend preloaded with records.
func NewMemoryBackendWith(records map[string]Record) *MemoryBackend {
	return &MemoryBackend{state: maps.Clone(records)}
}

func (b *MemoryBackend) Load(_ context.Context) (map[string]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	if b.state == nil {
		return nil, ErrNoState
	}
	return maps.Clone(b.state), nil
}

func (b *MemoryBackend) Save(_ context.Context, records map[string]Record, changed ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SaveErr != nil {
		return b.SaveErr
	}
	b.state = maps.Clone(records)
	if b.state == nil {
		b.state = make(map[string]Record)
	}
	b.saves = append(b.saves, append([]string{}, changed...))
	return nil
}

// Saves returns the changed-user lists passed to each Save call, oldest first.
func (b *MemoryBackend) Saves() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string{}, b.saves...)
}

// State returns a copy of the last saved mapping.
func (b *MemoryBackend) State() map[string]Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.state)
}
