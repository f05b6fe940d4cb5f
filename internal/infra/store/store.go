// Package store provides durable storage for the head: accepted
// models in SQLite, plus the on-disk JSON and CSV artifacts (bins
// file, audit snapshots, performance rows) that the tooling around a
// training run consumes. Uses WAL mode for concurrent reads and
// crash-safe writes.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/harrier-ml/harrier/internal/domain"
)

// Store wraps a SQLite connection with WAL mode and migrations.
type Store struct {
	db  *sql.DB
	dir string
}

// Open creates or opens the store at dir/models.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}

	dbPath := filepath.Join(dir, "models.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, dir: dir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close cleanly shuts down the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			sig        TEXT NOT NULL UNIQUE,
			exp_name   TEXT NOT NULL DEFAULT '',
			size       INTEGER NOT NULL,
			gamma      REAL NOT NULL,
			root_gamma REAL NOT NULL,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_models_created ON models(id DESC)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// UploadModel persists an accepted model version. Re-uploading the
// same signature is a no-op, so retries after a broadcast hiccup are
// harmless.
func (s *Store) UploadModel(model *domain.Model, sig string, gamma, rootGamma float64, expName string) error {
	payload, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO models (sig, exp_name, size, gamma, root_gamma, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig, expName, model.Size(), gamma, rootGamma, string(payload), time.Now().Unix(),
	)
	return err
}

// DownloadModel returns the most recently uploaded model and its
// signature. Workers call it on startup to join a run in progress.
func (s *Store) DownloadModel() (*domain.Model, string, error) {
	var sig, payload string
	err := s.db.QueryRow(
		`SELECT sig, payload FROM models ORDER BY id DESC LIMIT 1`,
	).Scan(&sig, &payload)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	var model domain.Model
	if err := json.Unmarshal([]byte(payload), &model); err != nil {
		return nil, "", fmt.Errorf("decode model %s: %w", sig, err)
	}
	return &model, sig, nil
}

// ModelCount returns how many model versions have been persisted.
func (s *Store) ModelCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM models`).Scan(&n)
	return n, err
}
