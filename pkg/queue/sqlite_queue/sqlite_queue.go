// Package sqlite_queue is a queue.Store on a local SQLite database.
package sqlite_queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pmkol/swcache-x/pkg/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_requests (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	url        TEXT    NOT NULL,
	method     TEXT    NOT NULL CHECK(method IN ('POST', 'PUT', 'PATCH')),
	headers    TEXT    NOT NULL,
	body       TEXT,
	raw_body   BLOB,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS dead_requests (
	id         INTEGER PRIMARY KEY,
	url        TEXT    NOT NULL,
	method     TEXT    NOT NULL,
	headers    TEXT    NOT NULL,
	body       TEXT,
	raw_body   BLOB,
	created_at INTEGER NOT NULL,
	buried_at  INTEGER NOT NULL,
	reason     TEXT    NOT NULL
);`

// Store implements queue.Store.
type Store struct {
	db *sql.DB
}

var _ queue.Store = (*Store)(nil)

// Open opens (and creates if needed) the queue database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite doesn't support multiple writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to exec %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Enqueue(ctx context.Context, r *queue.Record) (int64, error) {
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_requests (url, method, headers, body, raw_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.URL, r.Method, string(headers), nullableText(r.Body), nullableBlob(r.RawBody), r.Timestamp.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) ListAll(ctx context.Context) ([]*queue.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, method, headers, body, raw_body, created_at FROM pending_requests ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*queue.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteByID(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_requests WHERE id = ?`, id)
	return err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_requests`).Scan(&n)
	return n, err
}

func (s *Store) Bury(ctx context.Context, id int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dead_requests (id, url, method, headers, body, raw_body, created_at, buried_at, reason)
		 SELECT id, url, method, headers, body, raw_body, created_at, ?, ? FROM pending_requests WHERE id = ?`,
		time.Now().UnixMilli(), reason, id)
	if err != nil {
		return fmt.Errorf("copy to dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_requests WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListDead(ctx context.Context) ([]*queue.DeadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, method, headers, body, raw_body, created_at, buried_at, reason FROM dead_requests ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*queue.DeadRecord
	for rows.Next() {
		var (
			d        queue.DeadRecord
			buriedAt int64
		)
		r, err := scanRecord(rows, &buriedAt, &d.Reason)
		if err != nil {
			return nil, err
		}
		d.Record = *r
		d.BuriedAt = time.UnixMilli(buriedAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Store) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_requests`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanRecord(rows *sql.Rows, extra ...any) (*queue.Record, error) {
	var (
		r         queue.Record
		headers   string
		body      sql.NullString
		rawBody   []byte
		createdAt int64
	)
	dest := append([]any{&r.ID, &r.URL, &r.Method, &headers, &body, &rawBody, &createdAt}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(headers), &r.Headers); err != nil {
		return nil, fmt.Errorf("corrupted headers of request #%d: %w", r.ID, err)
	}
	if body.Valid {
		r.Body = json.RawMessage(body.String)
	}
	if len(rawBody) > 0 {
		r.RawBody = rawBody
	}
	r.Timestamp = time.UnixMilli(createdAt)
	return &r, nil
}

func nullableText(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
