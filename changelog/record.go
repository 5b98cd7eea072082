// Package changelog provides catch-up queries over an append-only, per-model log of
// persisted records.
//
// Every record gets an index (its ID) assigned by storage; indexes grow
// monotonically within a model and are never reused. A consumer that remembers the
// last index it processed resumes with AfterIndex, and one that remembers a point
// in time resumes with Since. PreviousIndex lets a receiver notice that it missed
// records.
package changelog

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one entry of the change log
type Record struct {
	ID        int64           `json:"id"`
	Model     string          `json:"model"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Filter selects records of one model. Zero values leave a bound open; every bound
// is exclusive.
type Filter struct {
	Model    string
	Since    time.Time
	AfterID  int64
	BeforeID int64
}

// Match reports whether rec passes the filter
func (f Filter) Match(rec Record) bool {
	if rec.Model != f.Model {
		return false
	}
	if !f.Since.IsZero() && !rec.CreatedAt.After(f.Since) {
		return false
	}
	if rec.ID <= f.AfterID {
		return false
	}
	if f.BeforeID > 0 && rec.ID >= f.BeforeID {
		return false
	}
	return true
}

// Storage is the read side of a change log
type Storage interface {
	// Find returns the matching records in ascending ID order
	Find(ctx context.Context, filter Filter) ([]Record, error)

	// MaxID returns the highest matching ID, or false when nothing matches
	MaxID(ctx context.Context, filter Filter) (int64, bool, error)
}

// Appender is a Storage that accepts new records
type Appender interface {
	// Append stores a record and returns it with ID and CreatedAt assigned
	Append(ctx context.Context, model string, payload json.RawMessage) (Record, error)
}

// CursorStore remembers the last record a consumer processed per model
type CursorStore interface {
	// LastSeen returns 0 for a consumer that has not processed anything
	LastSeen(ctx context.Context, consumer, model string) (int64, error)

	// Advance moves the cursor forward; it never moves backwards
	Advance(ctx context.Context, consumer, model string, id int64) error
}
