// Package checkpoint persists run progress to SQLite so an interrupted
// playbook run can resume without repeating completed tasks.
package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite-backed checkpoint database. One store can hold
// checkpoints for many playbooks, keyed by playbook path.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore creates a store for the database at path. Call Init before use.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint database path is required")
	}
	return &Store{path: path}, nil
}

// Init opens the database, enables WAL mode and runs migrations.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	// A single writer at a time keeps checkpoint appends serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping checkpoint database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Info describes a stored checkpoint for listing.
type Info struct {
	ID           string
	PlaybookPath string
	PlaybookHash string
	RunID        string
	LastHost     string
	LastTask     string
	Tasks        int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// List returns all stored checkpoints, newest first.
func (s *Store) List(ctx context.Context) ([]*Info, error) {
	query := `
		SELECT c.id, c.playbook_path, c.playbook_hash, c.run_id,
		       COALESCE(c.last_host, ''), COALESCE(c.last_task, ''),
		       (SELECT COUNT(*) FROM checkpoint_tasks t WHERE t.checkpoint_id = c.id),
		       c.created_at, c.updated_at
		FROM checkpoints c
		ORDER BY c.updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	infos := []*Info{}
	for rows.Next() {
		info := &Info{}
		err := rows.Scan(
			&info.ID,
			&info.PlaybookPath,
			&info.PlaybookHash,
			&info.RunID,
			&info.LastHost,
			&info.LastTask,
			&info.Tasks,
			&info.CreatedAt,
			&info.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return infos, nil
}

// Clean deletes checkpoints whose last update is older than the cutoff and
// returns how many were removed.
func (s *Store) Clean(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()

	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean checkpoints: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
