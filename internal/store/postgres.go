package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"outlineserver/internal/location"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS recent_files (
	path      TEXT PRIMARY KEY,
	opened_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS selections (
	path     TEXT PRIMARY KEY,
	location JSONB NOT NULL
);
`

// Postgres stores state in a shared database so several servers see the
// same recent files.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) AddRecentFile(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recent_files (path, opened_at)
		SELECT $1, COALESCE(MAX(opened_at), 0) + 1 FROM recent_files
		ON CONFLICT (path) DO UPDATE SET opened_at = EXCLUDED.opened_at`,
		path,
	)
	if err != nil {
		return fmt.Errorf("adding recent file: %w", err)
	}
	return nil
}

func (s *Postgres) RecentFiles(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT path FROM recent_files ORDER BY opened_at DESC LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent files: %w", err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning recent files: %w", err)
	}
	if paths == nil {
		paths = []string{}
	}
	return paths, nil
}

func (s *Postgres) SaveSelection(ctx context.Context, path string, selection location.Archived) error {
	data, err := encodeSelection(selection)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO selections (path, location) VALUES ($1, $2::jsonb)
		ON CONFLICT (path) DO UPDATE SET location = EXCLUDED.location`,
		path, data,
	)
	if err != nil {
		return fmt.Errorf("saving selection: %w", err)
	}
	return nil
}

func (s *Postgres) LoadSelection(ctx context.Context, path string) (location.Archived, bool, error) {
	var data string
	err := s.pool.QueryRow(ctx, "SELECT location::text FROM selections WHERE path = $1", path).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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
