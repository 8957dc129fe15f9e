package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Log = (*MemoryLog)(nil)

// MemoryLog is an in-process Log. Several bridges sharing one MemoryLog
// behave like gateway instances sharing a broker.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string][]Record
	maxLen  int
	notify  chan struct{}
	closed  bool
}

// NewMemoryLog creates an empty log. A positive maxLen trims each
// conversation to its most recent maxLen records.
func NewMemoryLog(maxLen int) *MemoryLog {
	return &MemoryLog{
		streams: make(map[string][]Record),
		maxLen:  maxLen,
		notify:  make(chan struct{}),
	}
}

// Append implements Log.
func (m *MemoryLog) Append(ctx context.Context, conv string, data []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("%w: memory log closed", ErrUnavailable)
	}

	records := m.streams[conv]
	seq := uint64(1)
	if n := len(records); n > 0 {
		seq = records[n-1].Seq + 1
	}
	records = append(records, Record{Seq: seq, Data: append([]byte(nil), data...)})
	if m.maxLen > 0 && len(records) > m.maxLen {
		records = append([]Record(nil), records[len(records)-m.maxLen:]...)
	}
	m.streams[conv] = records

	close(m.notify)
	m.notify = make(chan struct{})
	return seq, nil
}

// Head implements Log.
func (m *MemoryLog) Head(ctx context.Context, conv string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("%w: memory log closed", ErrUnavailable)
	}
	records := m.streams[conv]
	if len(records) == 0 {
		return 0, nil
	}
	return records[len(records)-1].Seq, nil
}

// Read implements Log.
func (m *MemoryLog) Read(ctx context.Context, from map[string]uint64, limit int, wait time.Duration) ([]Batch, error) {
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: memory log closed", ErrUnavailable)
		}
		batches := m.collectLocked(from, limit)
		notify := m.notify
		m.mu.Unlock()

		if len(batches) > 0 || timer == nil {
			return batches, nil
		}

		select {
		case <-notify:
		case <-timer:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *MemoryLog) collectLocked(from map[string]uint64, limit int) []Batch {
	var batches []Batch
	for conv, next := range from {
		records := m.streams[conv]
		i := sort.Search(len(records), func(i int) bool { return records[i].Seq >= next })
		if i == len(records) {
			continue
		}
		end := len(records)
		if limit > 0 && end-i > limit {
			end = i + limit
		}
		batches = append(batches, Batch{
			ConversationID: conv,
			Records:        append([]Record(nil), records[i:end]...),
		})
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ConversationID < batches[j].ConversationID })
	return batches
}

// Close implements Log. Blocked readers return ErrUnavailable.
func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}
