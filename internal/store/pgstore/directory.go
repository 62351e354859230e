package pgstore

import (
	"context"
	"errors"

	"github.com/converteja/creditledger/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sqlAccountExists = `
		select exists(select 1 from users where id = $1)
	`

	sqlGetJob = `
		select id, status, extract(epoch from created_at)::bigint
		from jobs
		where id = $1
	`
)

// Directory answers account and job lookups against the shared SaaS tables.
// The ledger never writes to either table.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory returns a Directory backed by a pgx pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// AccountExists reports whether the user row exists.
func (directory *Directory) AccountExists(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	if err := directory.pool.QueryRow(ctx, sqlAccountExists, accountID).Scan(&exists); err != nil {
		return false, credits.WrapError("directory", "user", errorCodeLookup, err)
	}
	return exists, nil
}

// GetJob returns the conversion job, or nil when absent.
func (directory *Directory) GetJob(ctx context.Context, jobID string) (*credits.Job, error) {
	var job credits.Job
	err := directory.pool.QueryRow(ctx, sqlGetJob, jobID).Scan(&job.JobID, &job.Status, &job.CreatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, credits.WrapError("directory", "job", errorCodeLookup, err)
	}
	return &job, nil
}
