package audit

import (
	"context"
	"sync"
)

// MemorySink is the default, test-friendly Sink: an in-process slice
// guarded by its own mutex. It is what every unconfigured deployment and
// every unit test uses.
type MemorySink struct {
	mu   sync.Mutex
	rows []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) EnsureHeader(ctx context.Context) error { return nil }

func (s *MemorySink) AppendRow(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, e)
	return nil
}

func (s *MemorySink) RowCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), nil
}

func (s *MemorySink) DeleteOldest(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n >= len(s.rows) {
		s.rows = s.rows[:0]
		return nil
	}
	s.rows = s.rows[n:]
	return nil
}

// Rows returns a snapshot of the current rows, oldest first. Intended for
// tests and the log.status admin action.
func (s *MemorySink) Rows() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.rows))
	copy(out, s.rows)
	return out
}
