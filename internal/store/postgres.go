package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"formaos-export/internal/models"
)

// ErrNotFound is returned when a job does not exist or belongs to another
// tenant. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("export job not found")

const jobColumns = `id, tenant_id, requested_by, job_type, format, status, progress,
	attempt_count, max_attempts, last_error, locked_by, locked_at, next_run_at,
	artifact_locator, artifact_size, artifact_expires_at, created_at, started_at, completed_at`

// Store persists export jobs in Postgres. Every status mutation is a single
// conditional UPDATE; a job can only move along pending -> processing ->
// {completed | failed | pending}, and terminal rows match no condition.
type Store struct {
	pool           *pgxpool.Pool
	staleThreshold time.Duration
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, staleThreshold time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, staleThreshold: staleThreshold}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	TenantID    string
	RequestedBy string
	JobType     string
	Format      string
	MaxAttempts int
}

// CreateJob inserts a new pending job with attempt_count=0.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.ExportJob, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO export_jobs (id, tenant_id, requested_by, job_type, format, status, progress, attempt_count, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8)
	`, id, p.TenantID, p.RequestedBy, p.JobType, p.Format, models.StatusPending, p.MaxAttempts, now)
	if err != nil {
		return models.ExportJob{}, fmt.Errorf("insert export job: %w", err)
	}

	return models.ExportJob{
		ID:          id,
		TenantID:    p.TenantID,
		RequestedBy: p.RequestedBy,
		JobType:     p.JobType,
		Format:      p.Format,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
	}, nil
}

// GetJob fetches a job scoped to the given tenant. A mismatched tenant gets
// ErrNotFound, so authorization holds at the data layer.
func (s *Store) GetJob(ctx context.Context, id, tenantID string) (models.ExportJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM export_jobs WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return scanJob(row)
}

// ListJobs returns a tenant's most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, tenantID string, limit int) ([]models.ExportJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM export_jobs WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ExportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// claimableWhere matches jobs a worker may take: pending and due with attempts
// remaining, or processing under a lock held past the staleness threshold
// (worker crashed mid-generation).
const claimableWhere = `
	(
		(status = 'pending' AND (next_run_at IS NULL OR next_run_at <= NOW()))
		OR (status = 'processing' AND locked_at < NOW() - make_interval(secs => $2))
	)
	AND attempt_count < max_attempts
`

const claimSet = `
	status = 'processing',
	locked_by = $1,
	locked_at = NOW(),
	attempt_count = attempt_count + 1,
	last_error = NULL,
	next_run_at = NULL,
	started_at = COALESCE(started_at, NOW())
`

// ClaimNextJob atomically claims the oldest claimable job for workerID. The
// select-and-update is one statement, so N racing workers resolve at the
// database with exactly one winner per job. Returns ok=false when nothing is
// claimable.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (models.ExportJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE export_jobs SET `+claimSet+`
		WHERE id = (
			SELECT id FROM export_jobs
			WHERE `+claimableWhere+`
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns+`
	`, workerID, s.staleThreshold.Seconds())
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.ExportJob{}, false, nil
	}
	if err != nil {
		return models.ExportJob{}, false, err
	}
	return job, true, nil
}

// ClaimJob claims one specific job (used when a wake signal names it). The
// claim is abandoned with no side effects if another worker already won.
func (s *Store) ClaimJob(ctx context.Context, id, workerID string) (models.ExportJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE export_jobs SET `+claimSet+`
		WHERE id = $3 AND `+claimableWhere+`
		RETURNING `+jobColumns+`
	`, workerID, s.staleThreshold.Seconds(), id)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.ExportJob{}, false, nil
	}
	if err != nil {
		return models.ExportJob{}, false, err
	}
	return job, true, nil
}

// CompleteJob records the artifact and transitions to completed, conditioned
// on the caller still holding the lock. A stale duplicate claim that finishes
// later finds the condition false and its result is discarded.
func (s *Store) CompleteJob(ctx context.Context, id, workerID string, artifact models.Artifact) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs SET
			status = 'completed',
			progress = 100,
			artifact_locator = $3,
			artifact_size = $4,
			artifact_expires_at = $5,
			locked_by = NULL,
			locked_at = NULL,
			completed_at = NOW()
		WHERE id = $1 AND status = 'processing' AND locked_by = $2
	`, id, workerID, artifact.Locator, artifact.Size, artifact.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetryJob releases the lock and schedules the next attempt.
func (s *Store) RetryJob(ctx context.Context, id, workerID string, nextRunAt time.Time, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs SET
			status = 'pending',
			next_run_at = $3,
			last_error = $4,
			locked_by = NULL,
			locked_at = NULL
		WHERE id = $1 AND status = 'processing' AND locked_by = $2
	`, id, workerID, nextRunAt, lastError)
	if err != nil {
		return false, fmt.Errorf("retry job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailJob releases the lock and transitions to the terminal failed state.
func (s *Store) FailJob(ctx context.Context, id, workerID string, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs SET
			status = 'failed',
			last_error = $3,
			locked_by = NULL,
			locked_at = NULL
		WHERE id = $1 AND status = 'processing' AND locked_by = $2
	`, id, workerID, lastError)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress records advisory progress; GREATEST keeps it monotone even
// if updates land out of order.
func (s *Store) UpdateProgress(ctx context.Context, id, workerID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE export_jobs SET progress = GREATEST(progress, $3)
		WHERE id = $1 AND status = 'processing' AND locked_by = $2
	`, id, workerID, progress)
	return err
}

// FailAbandonedJobs resolves processing jobs whose lock went stale after the
// final attempt. The claim predicate skips them (no attempts remain), so
// without this sweep a worker crash on the last attempt would leave the job
// in processing forever. Returns how many jobs were failed.
func (s *Store) FailAbandonedJobs(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs SET
			status = 'failed',
			last_error = 'worker lost while processing; no attempts remaining',
			locked_by = NULL,
			locked_at = NULL
		WHERE status = 'processing'
			AND locked_at < NOW() - make_interval(secs => $1)
			AND attempt_count >= max_attempts
	`, s.staleThreshold.Seconds())
	if err != nil {
		return 0, fmt.Errorf("fail abandoned jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.ExportJob, error) {
	var job models.ExportJob
	err := row.Scan(
		&job.ID, &job.TenantID, &job.RequestedBy, &job.JobType, &job.Format,
		&job.Status, &job.Progress, &job.AttemptCount, &job.MaxAttempts,
		&job.LastError, &job.LockedBy, &job.LockedAt, &job.NextRunAt,
		&job.ArtifactLocator, &job.ArtifactSize, &job.ArtifactExpiresAt,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExportJob{}, ErrNotFound
	}
	if err != nil {
		return models.ExportJob{}, fmt.Errorf("scan export job: %w", err)
	}
	return job, nil
}
