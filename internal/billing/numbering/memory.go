package numbering

import (
	"context"
	"sync"
)

// MemorySequencer keeps counters in process memory.
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemorySequencer returns an empty in-memory sequencer.
func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: make(map[string]int64)}
}

// NextSequence increments the (prefix, period) counter under a mutex.
func (m *MemorySequencer) NextSequence(ctx context.Context, prefix, period string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := prefix + ":" + period
	m.counters[key]++
	return m.counters[key], nil
}

// Rewind undoes the last allocation of a scope, mimicking a rolled-back
// transaction.
func (m *MemorySequencer) Rewind(prefix, period string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := prefix + ":" + period
	if m.counters[key] > 0 {
		m.counters[key]--
	}
}
