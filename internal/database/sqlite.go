package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deploygate/internal/database/migrations"
	"deploygate/internal/gate"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteHistory implements gate.History on a SQLite table. Each record is
// stored as JSON alongside the columns used for ordering and filtering.
type SQLiteHistory struct {
	db         *sql.DB
	path       string
	maxEntries int
}

// NewSQLiteHistory opens the history database at path. path can be a file
// path or ":memory:". maxEntries <= 0 disables the cap.
func NewSQLiteHistory(path string, maxEntries int) (*SQLiteHistory, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteHistory{db: db, path: path, maxEntries: maxEntries}, nil
}

// OpenConnection opens and configures a SQLite connection. The pool is
// limited to one connection so an in-memory database stays a single
// database and writers never contend.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Path returns the database location.
func (s *SQLiteHistory) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteHistory) CheckMigrations() error {
	return migrations.Check(s.db)
}

// Migrate applies pending schema migrations.
func (s *SQLiteHistory) Migrate() error {
	return migrations.Up(s.db)
}

const upsertDeployment = `
INSERT INTO deployments (deployment_id, agent_id, status, staged_at, record)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (deployment_id) DO UPDATE SET
    agent_id  = excluded.agent_id,
    status    = excluded.status,
    staged_at = excluded.staged_at,
    record    = excluded.record`

const trimDeployments = `
DELETE FROM deployments
WHERE seq NOT IN (SELECT seq FROM deployments ORDER BY seq DESC LIMIT ?)`

// Save upserts record by deployment ID, keeping its original position, and
// trims the oldest rows beyond the cap.
func (s *SQLiteHistory) Save(record gate.DeploymentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding deployment record: %w", err)
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, upsertDeployment,
		record.DeploymentID,
		record.AgentID,
		string(record.Status),
		record.StagedAt.UTC().Format(time.RFC3339Nano),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("saving deployment %s: %w", record.DeploymentID, err)
	}

	if s.maxEntries > 0 {
		if _, err := tx.ExecContext(ctx, trimDeployments, s.maxEntries); err != nil {
			return fmt.Errorf("trimming deployment history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get returns the record with the given ID, or nil if it is not present.
func (s *SQLiteHistory) Get(deploymentID string) (*gate.DeploymentRecord, error) {
	var data string
	err := s.db.QueryRow("SELECT record FROM deployments WHERE deployment_id = ?", deploymentID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding deployment %s: %w", deploymentID, err)
	}

	var rec gate.DeploymentRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decoding deployment %s: %w", deploymentID, err)
	}
	return &rec, nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (s *SQLiteHistory) List(limit int) ([]gate.DeploymentRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query("SELECT record FROM deployments ORDER BY seq DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	defer rows.Close()

	var out []gate.DeploymentRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		var rec gate.DeploymentRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decoding deployment: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *SQLiteHistory) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM deployments").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting deployments: %w", err)
	}
	return n, nil
}

// BackupTo writes a consistent copy of the database to destPath using
// VACUUM INTO. destPath must not exist.
func (s *SQLiteHistory) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up history database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}

// Compile-time check that SQLiteHistory implements gate.History interface
var _ gate.History = (*SQLiteHistory)(nil)
