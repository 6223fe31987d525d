package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/steprooms/pkg/grid"
)

// SQLiteStore keeps one row per room holding the JSON encoded record.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS rooms (
		id text not null primary key,
		seq integer not null,
		content text not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create rooms table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]grid.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content FROM rooms ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)

	var records []grid.Record
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		var rec grid.Record
		if err := json.Unmarshal([]byte(content), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode room %s: %w", id, err)
		}
		rec.ID = id
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return records, nil
}

// Save upserts every record. Rows whose content and position are unchanged are left alone.
func (s *SQLiteStore) Save(ctx context.Context, records []grid.Record) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, rec := range records {
		content, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode room %s: %w", rec.ID, err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (id, seq, content) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, content = excluded.content
			WHERE rooms.content != excluded.content OR rooms.seq != excluded.seq`,
			rec.ID, i, string(content),
		)
		if err != nil {
			return fmt.Errorf("failed to persist room %s: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Debug("backed up", "room", rec.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
