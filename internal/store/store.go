package store

import (
	"context"
	"fmt"
	"time"

	"financial-document-analyzer/internal/config"
	"financial-document-analyzer/internal/models"
)

// Store is the durable job record contract shared by the Postgres and SQLite backends.
type Store interface {
	// Create inserts a queued job. It fails with models.ErrDuplicateID if id exists.
	Create(ctx context.Context, id string) (models.Job, error)
	// Get fails with models.ErrNotFound when no record exists.
	Get(ctx context.Context, id string) (models.Job, error)
	// UpdateStatus applies one forward transition atomically. Repeating a terminal
	// transition with the same result is a no-op; anything else illegal returns
	// models.ErrInvalidTransition and leaves the record untouched.
	UpdateStatus(ctx context.Context, id string, status models.Status, result *string) (models.Job, error)
	// Discard removes a job that is still queued. Only used to roll back a submission
	// whose enqueue failed.
	Discard(ctx context.Context, id string) error
	RunMigrations(ctx context.Context) error
	Close()
}

// Open connects the backend selected by cfg.StoreDriver and applies migrations.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		st, err = NewPostgres(ctx, cfg.PostgresDSN)
	case config.DriverSQLite:
		st, err = NewSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// checkUpdate validates the shape of an update before it reaches the database:
// terminal states carry a result, non-terminal states never do.
func checkUpdate(id string, to models.Status, result *string) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q for job %s", models.ErrInvalidTransition, to, id)
	}
	if to.Terminal() && result == nil {
		return fmt.Errorf("%w: %s requires a result for job %s", models.ErrInvalidTransition, to, id)
	}
	if !to.Terminal() && result != nil {
		return fmt.Errorf("%w: result set on non-terminal %s for job %s", models.ErrInvalidTransition, to, id)
	}
	return nil
}

// resolveRejected decides what a conditional update that matched no row means,
// given the current record.
func resolveRejected(current models.Job, to models.Status, result *string) (models.Job, error) {
	if current.Status == to && to.Terminal() && sameResult(current.Result, result) {
		return current, nil
	}
	return current, fmt.Errorf("%w: %s -> %s for job %s", models.ErrInvalidTransition, current.Status, to, current.ID)
}

func sameResult(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func statusStrings(in []models.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
