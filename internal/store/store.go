// Package store persists the recent files list and the last selection of
// each outline between server runs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"outlineserver/internal/location"
)

// Store is a backend for commander.Cache plus the recent files query.
type Store interface {
	AddRecentFile(ctx context.Context, path string) error
	RecentFiles(ctx context.Context, limit int) ([]string, error)
	SaveSelection(ctx context.Context, path string, selection location.Archived) error
	LoadSelection(ctx context.Context, path string) (location.Archived, bool, error)
	Close() error
}

// Open picks a backend from dsn: postgres:// and postgresql:// URLs use
// Postgres, anything else is a SQLite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := OpenSQLite(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func encodeSelection(selection location.Archived) (string, error) {
	data, err := json.Marshal(selection)
	if err != nil {
		return "", fmt.Errorf("encoding selection: %w", err)
	}
	return string(data), nil
}

func decodeSelection(data string) (location.Archived, error) {
	var selection location.Archived
	if err := json.Unmarshal([]byte(data), &selection); err != nil {
		return location.Archived{}, fmt.Errorf("decoding selection: %w", err)
	}
	return selection, nil
}
