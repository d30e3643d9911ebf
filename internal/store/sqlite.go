package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"financial-document-analyzer/internal/models"
)

// SQLite persists jobs in a single-file database. Timestamps are stored as
// RFC3339 text in UTC.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database file at path with WAL and
// synchronous=FULL so every committed mutation survives a crash.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; concurrent callers queue on the pool.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// RunMigrations executes the embedded SQLite migrations in order.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", func(ctx context.Context, stmt string) error {
		_, err := s.db.ExecContext(ctx, stmt)
		return err
	})
}

// Create inserts a queued job row.
func (s *SQLite) Create(ctx context.Context, id string) (models.Job, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, result, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, id, string(models.StatusQueued), formatTime(ts), formatTime(ts))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if n == 0 {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrDuplicateID, id)
	}
	return models.Job{
		ID:        id,
		Status:    models.StatusQueued,
		CreatedAt: ts,
		UpdatedAt: ts,
	}, nil
}

// Get fetches a job by id.
func (s *SQLite) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, result, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// UpdateStatus moves a job forward only if its current status is a legal predecessor.
func (s *SQLite) UpdateStatus(ctx context.Context, id string, status models.Status, result *string) (models.Job, error) {
	if err := checkUpdate(id, status, result); err != nil {
		return models.Job{}, err
	}
	preds := statusStrings(models.Predecessors(status))
	if len(preds) == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		return resolveRejected(current, status, result)
	}

	args := []any{string(status), nullString(result), formatTime(now()), id}
	for _, p := range preds {
		args = append(args, p)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(preds)), ",")
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, result = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)
		RETURNING id, status, result, created_at, updated_at
	`, args...)
	job, err := scanSQLiteJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("update job status: %w", err)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	return resolveRejected(current, status, result)
}

// Discard deletes a job that never left the queued state.
func (s *SQLite) Discard(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND status = ?`, id, string(models.StatusQueued))
	if err != nil {
		return fmt.Errorf("discard job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot discard job %s in status %s", models.ErrInvalidTransition, id, current.Status)
}

func scanSQLiteJob(row *sql.Row) (models.Job, error) {
	var (
		job                  models.Job
		status               string
		result               sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&job.ID, &status, &result, &createdAt, &updatedAt); err != nil {
		return models.Job{}, err
	}
	job.Status = models.Status(status)
	if result.Valid {
		job.Result = &result.String
	}
	var err error
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return models.Job{}, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return models.Job{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
