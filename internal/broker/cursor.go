package broker

import (
	"context"
	"fmt"
	"sync"
)

// CursorStore persists, per conversation, the last seq whose local fan-out
// completed. Commits never move a cursor backwards.
type CursorStore interface {
	// Load returns the committed seq. ok is false when nothing was committed.
	Load(ctx context.Context, conv string) (seq uint64, ok bool, err error)
	// Commit records seq unless a larger seq is already committed.
	Commit(ctx context.Context, conv string, seq uint64) error
	Close() error
}

var _ CursorStore = (*MemoryCursors)(nil)

// MemoryCursors keeps cursors in memory. They are lost on restart.
type MemoryCursors struct {
	mu      sync.Mutex
	cursors map[string]uint64
	closed  bool
}

// NewMemoryCursors creates an empty store.
func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[string]uint64)}
}

// Load implements CursorStore.
func (m *MemoryCursors) Load(ctx context.Context, conv string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false, fmt.Errorf("%w: cursor store closed", ErrUnavailable)
	}
	seq, ok := m.cursors[conv]
	return seq, ok, nil
}

// Commit implements CursorStore.
func (m *MemoryCursors) Commit(ctx context.Context, conv string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: cursor store closed", ErrUnavailable)
	}
	if cur, ok := m.cursors[conv]; !ok || seq > cur {
		m.cursors[conv] = seq
	}
	return nil
}

// Close implements CursorStore.
func (m *MemoryCursors) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
