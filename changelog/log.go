package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Log is the query surface over a Storage
type Log struct {
	storage Storage
	logger  *slog.Logger
}

// Option configures a Log
type Option func(*Log)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// New creates a Log over storage
func New(storage Storage, opts ...Option) *Log {
	l := &Log{
		storage: storage,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Storage returns the underlying storage
func (l *Log) Storage() Storage {
	return l.storage
}

// Since returns the records of model created strictly after ts, in index order
func (l *Log) Since(ctx context.Context, model string, ts time.Time) ([]Record, error) {
	if model == "" {
		return nil, ErrEmptyModel
	}
	return l.find(ctx, Filter{Model: model, Since: ts})
}

// AfterIndex returns the records of model with an index strictly above index, in
// index order
func (l *Log) AfterIndex(ctx context.Context, model string, index int64) ([]Record, error) {
	if model == "" {
		return nil, ErrEmptyModel
	}
	return l.find(ctx, Filter{Model: model, AfterID: index})
}

// LatestIndex returns the highest index of model, or false for an empty model
func (l *Log) LatestIndex(ctx context.Context, model string) (int64, bool, error) {
	if model == "" {
		return 0, false, ErrEmptyModel
	}

	id, ok, err := l.storage.MaxID(ctx, Filter{Model: model})
	if err != nil {
		return 0, false, fmt.Errorf("latest index of %s: %w", model, err)
	}
	return id, ok, nil
}

// PreviousIndex returns the highest index of rec's model below rec.ID, or false
// for the oldest record
func (l *Log) PreviousIndex(ctx context.Context, rec Record) (int64, bool, error) {
	if rec.Model == "" {
		return 0, false, ErrEmptyModel
	}
	if rec.ID <= 0 {
		return 0, false, fmt.Errorf("%w: id %d", ErrInvalidRecord, rec.ID)
	}

	id, ok, err := l.storage.MaxID(ctx, Filter{Model: rec.Model, BeforeID: rec.ID})
	if err != nil {
		return 0, false, fmt.Errorf("previous index of %s #%d: %w", rec.Model, rec.ID, err)
	}
	return id, ok, nil
}

// Append JSON-encodes payload and appends it to model
func (l *Log) Append(ctx context.Context, model string, payload interface{}) (Record, error) {
	if model == "" {
		return Record{}, ErrEmptyModel
	}

	appender, ok := l.storage.(Appender)
	if !ok {
		return Record{}, ErrReadOnly
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", model, err)
	}

	rec, err := appender.Append(ctx, model, data)
	if err != nil {
		return Record{}, fmt.Errorf("append to %s: %w", model, err)
	}

	l.logger.Debug("record appended", "model", model, "index", rec.ID)
	return rec, nil
}

func (l *Log) find(ctx context.Context, filter Filter) ([]Record, error) {
	records, err := l.storage.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find %s records: %w", filter.Model, err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}
