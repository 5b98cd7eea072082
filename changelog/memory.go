package changelog

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStorage keeps the change log and consumer cursors in memory
type MemoryStorage struct {
	mu      sync.RWMutex
	records []Record
	lastID  int64
	cursors map[cursorKey]int64
	now     func() time.Time
}

type cursorKey struct {
	consumer string
	model    string
}

// MemoryOption configures a MemoryStorage
type MemoryOption func(*MemoryStorage)

// WithClock sets the clock used for CreatedAt
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		cursors: make(map[cursorKey]int64),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Append implements Appender. IDs start at 1 and are shared by all models, like
// the rows of a single table.
func (s *MemoryStorage) Append(ctx context.Context, model string, payload json.RawMessage) (Record, error) {
	if model == "" {
		return Record{}, ErrEmptyModel
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	rec := Record{
		ID:        s.lastID,
		Model:     model,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: s.now().UTC(),
	}
	s.records = append(s.records, rec)

	return rec, nil
}

// Find implements Storage
func (s *MemoryStorage) Find(ctx context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Record
	for _, rec := range s.records {
		if filter.Match(rec) {
			result = append(result, rec)
		}
	}

	return result, nil
}

// MaxID implements Storage
func (s *MemoryStorage) MaxID(ctx context.Context, filter Filter) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	found := false
	for _, rec := range s.records {
		if filter.Match(rec) && rec.ID > max {
			max = rec.ID
			found = true
		}
	}

	return max, found, nil
}

// Len returns the number of stored records across all models
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LastSeen implements CursorStore
func (s *MemoryStorage) LastSeen(ctx context.Context, consumer, model string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[cursorKey{consumer, model}], nil
}

// Advance implements CursorStore
func (s *MemoryStorage) Advance(ctx context.Context, consumer, model string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cursorKey{consumer, model}
	if id > s.cursors[key] {
		s.cursors[key] = id
	}
	return nil
}

var (
	_ Storage     = (*MemoryStorage)(nil)
	_ Appender    = (*MemoryStorage)(nil)
	_ CursorStore = (*MemoryStorage)(nil)
)
