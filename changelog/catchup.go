package changelog

import (
	"context"
	"fmt"
)

// ProcessFunc handles one record during catch-up
type ProcessFunc func(ctx context.Context, rec Record) error

// CatchUp feeds consumer every record of model it has not processed yet, in index
// order. The cursor advances after each record that process accepted; the first
// failure stops the run and is returned together with the number of records
// processed before it.
func (l *Log) CatchUp(ctx context.Context, cursors CursorStore, consumer, model string, process ProcessFunc) (int, error) {
	if model == "" {
		return 0, ErrEmptyModel
	}
	if consumer == "" {
		return 0, fmt.Errorf("changelog: consumer is required")
	}

	last, err := cursors.LastSeen(ctx, consumer, model)
	if err != nil {
		return 0, fmt.Errorf("read cursor %s/%s: %w", consumer, model, err)
	}

	records, err := l.AfterIndex(ctx, model, last)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		if err := process(ctx, rec); err != nil {
			return processed, fmt.Errorf("process %s #%d: %w", model, rec.ID, err)
		}

		if err := cursors.Advance(ctx, consumer, model, rec.ID); err != nil {
			return processed, fmt.Errorf("advance cursor %s/%s to %d: %w", consumer, model, rec.ID, err)
		}
		processed++
	}

	if processed > 0 {
		l.logger.Debug("caught up",
			"consumer", consumer,
			"model", model,
			"processed", processed,
			"index", records[processed-1].ID)
	}

	return processed, nil
}
