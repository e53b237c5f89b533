package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists audit events. Implementations are append-only apart from
// DeleteBefore, which only the retention process calls.
type Store interface {
	Append(ctx context.Context, event Event) error
	// Query returns matching events newest first and the total match count.
	// A non-positive Limit returns every match.
	Query(ctx context.Context, filter Filter) ([]Event, int, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps events in process memory, for tests and single-process use.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make([]Event, 0)}
}

func (s *MemoryStore) Append(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, cloneEvent(event))
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, filter Filter) ([]Event, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	var matched []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if matchEvent(s.events[i], filter) {
			matched = append(matched, cloneEvent(s.events[i]))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	if filter.Limit <= 0 {
		return matched, total, nil
	}
	return paginate(matched, filter.Offset, filter.Limit), total, nil
}

func (s *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	deleted := 0
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func paginate(events []Event, offset, limit int) []Event {
	start := offset
	if start > len(events) {
		start = len(events)
	}
	end := start + limit
	if end > len(events) {
		end = len(events)
	}
	return events[start:end]
}
