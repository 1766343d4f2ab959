package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"textdetect-service/internal/entity"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion means the job moved on since it was read: another
	// attempt advanced it, or it is already terminal.
	ErrStaleVersion = errors.New("stale job version")
)

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// UpsertUser returns the user with the given external uid, creating it on
// first sight. A nil email keeps the stored one.
func (r *JobRepository) UpsertUser(ctx context.Context, uid string, email *string) (*entity.User, error) {
	const q = `
INSERT INTO users (id, uid, email)
VALUES ($1, $2, $3)
ON CONFLICT (uid) DO UPDATE SET email = COALESCE(EXCLUDED.email, users.email)
RETURNING id, uid, email, created_at;
`
	var u entity.User
	if err := r.pool.QueryRow(ctx, q, uuid.New(), uid, email).Scan(&u.ID, &u.UID, &u.Email, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return &u, nil
}

// CreateJob stores the document and its PENDING job in one transaction.
func (r *JobRepository) CreateJob(ctx context.Context, userID uuid.UUID, storageKey string, meta *string) (*entity.Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	docID := uuid.New()
	const insertDoc = `INSERT INTO documents (id, user_id, storage_key) VALUES ($1, $2, $3);`
	if _, err := tx.Exec(ctx, insertDoc, docID, userID, storageKey); err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	job := &entity.Job{
		ID:         uuid.New(),
		UserID:     userID,
		DocumentID: docID,
		Status:     entity.StatusPending,
		Meta:       meta,
	}
	const insertJob = `
INSERT INTO jobs (id, user_id, document_id, status, meta)
VALUES ($1, $2, $3, $4, $5)
RETURNING version, created_at, updated_at;
`
	if err := tx.QueryRow(ctx, insertJob, job.ID, userID, docID, string(job.Status), meta).
		Scan(&job.Version, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

const jobColumns = `id, user_id, document_id, status, meta, version, created_at, updated_at`

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job        entity.Job
		docID      *uuid.UUID
		statusText string
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&docID, // NULL once the document is purged
		&statusText,
		&job.Meta,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if docID != nil {
		job.DocumentID = *docID
	}
	job.Status = entity.JobStatus(statusText)
	return &job, nil
}

func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) ListJobs(ctx context.Context, userID uuid.UUID, status *entity.JobStatus, limit, offset int) ([]*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1 AND ($2::text IS NULL OR status = $2)
ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4;`

	var statusArg *string
	if status != nil {
		s := string(*status)
		statusArg = &s
	}

	rows, err := r.pool.Query(ctx, q, userID, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) GetDocument(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	const q = `SELECT id, user_id, storage_key, created_at FROM documents WHERE id = $1;`

	var doc entity.Document
	if err := r.pool.QueryRow(ctx, q, id).Scan(&doc.ID, &doc.UserID, &doc.StorageKey, &doc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// TransitionStatus moves a non-terminal job to status if it still carries
// version, and returns the new version. The row update is atomic, so two
// attempts racing on one job cannot both succeed.
func (r *JobRepository) TransitionStatus(ctx context.Context, id uuid.UUID, version int64, status entity.JobStatus) (int64, error) {
	const q = `
UPDATE jobs SET status = $3, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2 AND status NOT IN ('SUCCEEDED', 'FAILED')
RETURNING version;
`
	var next int64
	if err := r.pool.QueryRow(ctx, q, id, version, string(status)).Scan(&next); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, r.missingOrStale(ctx, id)
		}
		return 0, err
	}
	return next, nil
}

// CompleteJob flips RUNNING -> SUCCEEDED at version and inserts the result in
// the same transaction. A stale version rolls back, so a redelivered attempt
// cannot add a second result after another attempt already finished.
func (r *JobRepository) CompleteJob(ctx context.Context, id uuid.UUID, version int64, res *entity.Result) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const flip = `
UPDATE jobs SET status = 'SUCCEEDED', version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2 AND status = 'RUNNING';
`
	tag, err := tx.Exec(ctx, flip, id, version)
	if err != nil {
		return fmt.Errorf("set succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrStale(ctx, id)
	}

	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	res.JobID = id
	const insert = `
INSERT INTO results (id, job_id, probability, summary, feature_summary, latency_ms)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at;
`
	if err := tx.QueryRow(ctx, insert,
		res.ID, id, res.Probability, res.Summary, res.FeatureSummary, res.LatencyMS,
	).Scan(&res.CreatedAt); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	return tx.Commit(ctx)
}

// LatestResult returns the newest result of a job.
func (r *JobRepository) LatestResult(ctx context.Context, jobID uuid.UUID) (*entity.Result, error) {
	const q = `
SELECT id, job_id, probability, summary, feature_summary, latency_ms, created_at
FROM results WHERE job_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1;
`
	var res entity.Result
	if err := r.pool.QueryRow(ctx, q, jobID).Scan(
		&res.ID, &res.JobID, &res.Probability, &res.Summary, &res.FeatureSummary, &res.LatencyMS, &res.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

func (r *JobRepository) missingOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1);`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleVersion
}
