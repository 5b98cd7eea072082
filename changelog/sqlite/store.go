// Package sqlite provides durable change-log storage on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/artery-go/changelog"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - artery_messages and artery_cursors
const currentSchemaVersion = 1

// Store persists change-log records and consumer cursors.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for created_at
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open creates or opens a SQLite database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append implements changelog.Appender
func (s *Store) Append(ctx context.Context, model string, payload json.RawMessage) (changelog.Record, error) {
	if model == "" {
		return changelog.Record{}, changelog.ErrEmptyModel
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	createdAt := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artery_messages (model, data, created_at)
		VALUES (?, ?, ?)
	`, model, string(payload), createdAt.UnixNano())
	if err != nil {
		return changelog.Record{}, fmt.Errorf("insert record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return changelog.Record{}, fmt.Errorf("read record id: %w", err)
	}

	return changelog.Record{
		ID:        id,
		Model:     model,
		Payload:   payload,
		CreatedAt: createdAt,
	}, nil
}

// Find implements changelog.Storage
func (s *Store) Find(ctx context.Context, filter changelog.Filter) ([]changelog.Record, error) {
	where, args := whereClause(filter)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, data, created_at
		FROM artery_messages
		WHERE `+where+`
		ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []changelog.Record{}
	for rows.Next() {
		var rec changelog.Record
		var data string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Model, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Payload = json.RawMessage(data)
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

// MaxID implements changelog.Storage
func (s *Store) MaxID(ctx context.Context, filter changelog.Filter) (int64, bool, error) {
	where, args := whereClause(filter)

	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(id)
		FROM artery_messages
		WHERE `+where, args...).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("query max id: %w", err)
	}

	return id.Int64, id.Valid, nil
}

// LastSeen implements changelog.CursorStore
func (s *Store) LastSeen(ctx context.Context, consumer, model string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_seen FROM artery_cursors
		WHERE consumer = ? AND model = ?
	`, consumer, model).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query cursor: %w", err)
	}
	return last, nil
}

// Advance implements changelog.CursorStore. The upsert only ever raises last_seen.
func (s *Store) Advance(ctx context.Context, consumer, model string, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artery_cursors (consumer, model, last_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (consumer, model) DO UPDATE
		SET last_seen = excluded.last_seen, updated_at = excluded.updated_at
		WHERE excluded.last_seen > artery_cursors.last_seen
	`, consumer, model, id, s.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// whereClause renders filter as SQL; every bound is exclusive
func whereClause(filter changelog.Filter) (string, []any) {
	conds := []string{"model = ?"}
	args := []any{filter.Model}

	if !filter.Since.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, filter.Since.UTC().UnixNano())
	}
	if filter.AfterID != 0 {
		conds = append(conds, "id > ?")
		args = append(args, filter.AfterID)
	}
	if filter.BeforeID > 0 {
		conds = append(conds, "id < ?")
		args = append(args, filter.BeforeID)
	}

	return strings.Join(conds, " AND "), args
}

// applyPragmas sets required SQLite configuration
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the schema version
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

var (
	_ changelog.Storage     = (*Store)(nil)
	_ changelog.Appender    = (*Store)(nil)
	_ changelog.CursorStore = (*Store)(nil)
)
