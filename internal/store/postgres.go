package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"financial-document-analyzer/internal/models"
)

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, stmt string) error {
		_, err := s.pool.Exec(ctx, stmt)
		return err
	})
}

// Create inserts a queued job row.
func (s *Postgres) Create(ctx context.Context, id string) (models.Job, error) {
	ts := now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, status, result, created_at, updated_at)
		VALUES ($1, $2, NULL, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, string(models.StatusQueued), ts)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, result, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// UpdateStatus moves a job forward only if its current status is a legal predecessor.
// The predecessor check happens inside the UPDATE so concurrent workers cannot race it.
func (s *Postgres) UpdateStatus(ctx context.Context, id string, status models.Status, result *string) (models.Job, error) {
	if err := checkUpdate(id, status, result); err != nil {
		return models.Job{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
		RETURNING id, status, result, created_at, updated_at
	`, id, string(status), result, statusStrings(models.Predecessors(status)))
	job, err := scanPostgresJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("update job status: %w", err)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	return resolveRejected(current, status, result)
}

// Discard deletes a job that never left the queued state.
func (s *Postgres) Discard(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND status = $2`, id, string(models.StatusQueued))
	if err != nil {
		return fmt.Errorf("discard job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot discard job %s in status %s", models.ErrInvalidTransition, id, current.Status)
}

func scanPostgresJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var result pgtype.Text
	if err := row.Scan(&job.ID, &status, &result, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Status = models.Status(status)
	job.Result = textPtr(result)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
