package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keagan/shotlens/internal/jobs"
)

const schema = `
CREATE TABLE IF NOT EXISTS shotlens_jobs (
	id            UUID PRIMARY KEY,
	kind          TEXT NOT NULL,
	video         TEXT NOT NULL,
	status        TEXT NOT NULL,
	result        JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	attempt       INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS shotlens_jobs_status_idx ON shotlens_jobs (status);
`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// EnsureSchema creates the jobs table when missing
func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, job *jobs.Job) error {
	query := `
		INSERT INTO shotlens_jobs (
			id, kind, video, status, result, error_message,
			attempt, created_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := r.pool.Exec(ctx, query,
		job.ID, string(job.Kind), job.Video, string(job.Status),
		nullableJSON(job.Result), job.ErrorMessage, job.Attempt,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Update(ctx context.Context, job *jobs.Job) error {
	query := `
		UPDATE shotlens_jobs SET
			status=$2, result=$3, error_message=$4, attempt=$5,
			updated_at=$6, completed_at=$7
		WHERE id=$1`

	tag, err := r.pool.Exec(ctx, query,
		job.ID, string(job.Status), nullableJSON(job.Result),
		job.ErrorMessage, job.Attempt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, jobs.ErrJobNotFound)
	}
	return nil
}

func (r *JobRepository) FindByID(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	query := `
		SELECT id, kind, video, status, result, error_message,
			attempt, created_at, updated_at, completed_at
		FROM shotlens_jobs WHERE id=$1`

	job := &jobs.Job{}
	var kind, status string
	var result []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &kind, &job.Video, &status, &result, &job.ErrorMessage,
		&job.Attempt, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find job %s: %w", id, jobs.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find job by id: %w", err)
	}
	job.Kind = jobs.Kind(kind)
	job.Status = jobs.Status(status)
	job.Result = result
	return job, nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
