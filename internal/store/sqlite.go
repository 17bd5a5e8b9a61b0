package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS attributes (
	actor_id   TEXT NOT NULL,
	bucket     TEXT NOT NULL,
	name       TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (actor_id, bucket, name)
);
CREATE INDEX IF NOT EXISTS idx_attributes_actor_bucket ON attributes (actor_id, bucket);
`

// SQLite is a file-backed Store.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the database at path.
//
// WAL keeps readers from blocking the single writer; the busy timeout lets
// concurrent writers queue instead of failing immediately.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY on concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) GetAttr(ctx context.Context, actorID, bucket, name string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM attributes WHERE actor_id = ? AND bucket = ? AND name = ?`,
		actorID, bucket, name,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attr: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode attr %s/%s/%s: %w", actorID, bucket, name, err)
	}
	return data, nil
}

func (s *SQLite) SetAttr(ctx context.Context, actorID, bucket, name string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode attr: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attributes (actor_id, bucket, name, data, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (actor_id, bucket, name)
		 DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		actorID, bucket, name, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set attr: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteAttr(ctx context.Context, actorID, bucket, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM attributes WHERE actor_id = ? AND bucket = ? AND name = ?`,
		actorID, bucket, name,
	)
	if err != nil {
		return fmt.Errorf("delete attr: %w", err)
	}
	return nil
}

func (s *SQLite) ListBucket(ctx context.Context, actorID, bucket string) (map[string]Attribute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, data, updated_at FROM attributes WHERE actor_id = ? AND bucket = ?`,
		actorID, bucket,
	)
	if err != nil {
		return nil, fmt.Errorf("list bucket: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Attribute)
	for rows.Next() {
		var (
			name      string
			raw       string
			updatedAt time.Time
		)
		if err := rows.Scan(&name, &raw, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan bucket row: %w", err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("decode attr %s/%s/%s: %w", actorID, bucket, name, err)
		}
		out[name] = Attribute{Data: data, Timestamp: updatedAt}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bucket: %w", err)
	}
	return out, nil
}

func (s *SQLite) DeleteBucket(ctx context.Context, actorID, bucket string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM attributes WHERE actor_id = ? AND bucket = ?`,
		actorID, bucket,
	)
	if err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteActor(ctx context.Context, actorID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM attributes WHERE actor_id = ?`,
		actorID,
	)
	if err != nil {
		return fmt.Errorf("delete actor: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
