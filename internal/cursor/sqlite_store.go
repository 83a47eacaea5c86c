// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/voxtrack/internal/persistence/sqlite"
)

const schemaVersion = 1

// SqliteStore implements Store using SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens (and migrates) the cursor database at dbPath. An
// existing file is integrity-checked first.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("cursor store: create dir: %w", err)
	}
	if _, err := os.Stat(dbPath); err == nil {
		issues, err := sqlite.VerifyIntegrity(dbPath, "quick")
		if err != nil {
			return nil, fmt.Errorf("cursor store: verify: %w", err)
		}
		if len(issues) > 0 {
			return nil, fmt.Errorf("cursor store: %s is corrupt: %s", dbPath, strings.Join(issues, "; "))
		}
	}

	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cursor store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS stream_cursors (
		session_key TEXT PRIMARY KEY,
		at_unix_nano INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Load(ctx context.Context, key string) (time.Time, bool, error) {
	var nanos int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT at_unix_nano FROM stream_cursors WHERE session_key = ?", key).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cursor store: load: %w", err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

func (s *SqliteStore) Save(ctx context.Context, key string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO stream_cursors (session_key, at_unix_nano, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			at_unix_nano = excluded.at_unix_nano,
			updated_at = excluded.updated_at
		WHERE excluded.at_unix_nano > stream_cursors.at_unix_nano`,
		key, at.UnixNano(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cursor store: save: %w", err)
	}
	return nil
}

func (s *SqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.DB.ExecContext(ctx, "DELETE FROM stream_cursors WHERE session_key = ?", key); err != nil {
		return fmt.Errorf("cursor store: delete: %w", err)
	}
	return nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}
