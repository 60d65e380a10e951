package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"outlineserver/internal/location"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS recent_files (
	path      TEXT PRIMARY KEY,
	opened_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS selections (
	path     TEXT PRIMARY KEY,
	location TEXT NOT NULL
);
`

// SQLite stores state in a local database file.
type SQLite struct {
	conn *sql.DB
	Path string
}

// OpenSQLite opens or creates the database at path with WAL mode enabled.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{conn: conn, Path: path}, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

// AddRecentFile moves path to the front of the recent files list.
func (s *SQLite) AddRecentFile(ctx context.Context, path string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO recent_files (path, opened_at)
		SELECT ?, COALESCE(MAX(opened_at), 0) + 1 FROM recent_files WHERE true
		ON CONFLICT(path) DO UPDATE SET opened_at = excluded.opened_at`,
		path,
	)
	if err != nil {
		return fmt.Errorf("adding recent file: %w", err)
	}
	return nil
}

func (s *SQLite) RecentFiles(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT path FROM recent_files ORDER BY opened_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent files: %w", err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scanning recent file: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

func (s *SQLite) SaveSelection(ctx context.Context, path string, selection location.Archived) error {
	data, err := encodeSelection(selection)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO selections (path, location) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET location = excluded.location`,
		path, data,
	)
	if err != nil {
		return fmt.Errorf("saving selection: %w", err)
	}
	return nil
}

func (s *SQLite) LoadSelection(ctx context.Context, path string) (location.Archived, bool, error) {
	var data string
	err := s.conn.QueryRowContext(ctx, "SELECT location FROM selections WHERE path = ?", path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return location.Archived{}, false, nil
	}
	if err != nil {
		return location.Archived{}, false, fmt.Errorf("loading selection: %w", err)
	}
	selection, err := decodeSelection(data)
	if err != nil {
		return location.Archived{}, false, err
	}
	return selection, true, nil
}
