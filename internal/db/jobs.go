package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"InboxScheduler/internal/models"
)

const jobColumns = `id, subject, body, recipients, scheduled_at, status, attempts,
	sent_at, failed_at, canceled_at, error, created_at, updated_at`

func (s *Store) Create(ctx context.Context, job models.EmailJob) (models.EmailJob, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if job.Status == "" {
		job.Status = models.StatusPending
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	_, err := s.db.Exec(ctx,
		`INSERT INTO email_jobs
		 (id, subject, body, recipients, scheduled_at, status, attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)`,
		job.ID,
		job.Subject,
		job.Body,
		job.Recipients,
		job.ScheduledAt,
		string(job.Status),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return models.EmailJob{}, wrapErr("create job", err)
	}

	return job, nil
}

func (s *Store) Get(ctx context.Context, id string) (models.EmailJob, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	row := s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id=$1`,
		id,
	)

	job, err := scanJob(row)
	if err != nil {
		return models.EmailJob{}, wrapErr("get job", err)
	}
	return job, nil
}

// Update applies patch in a single statement. The status guard lives in the
// WHERE clause, so two workers racing on the same id cannot both win.
func (s *Store) Update(ctx context.Context, id string, patch models.JobPatch) (models.EmailJob, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}

	row := s.db.QueryRow(ctx,
		`UPDATE email_jobs
		 SET status=COALESCE($2, status),
		     sent_at=COALESCE($3, sent_at),
		     failed_at=COALESCE($4, failed_at),
		     canceled_at=COALESCE($5, canceled_at),
		     error=COALESCE($6, error),
		     attempts=attempts + $7,
		     updated_at=NOW()
		 WHERE id=$1
		   AND (cardinality($8::text[]) = 0 OR status = ANY($8::text[]))
		 RETURNING `+jobColumns,
		id,
		status,
		patch.SentAt,
		patch.FailedAt,
		patch.CanceledAt,
		patch.Error,
		patch.AddAttempts,
		statusStrings(patch.ExpectStatus),
	)

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.EmailJob{}, wrapErr("update job", err)
	}

	// Either the id is unknown or the guard rejected the row.
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return models.EmailJob{}, getErr
	}
	return current, ErrTransitionConflict
}

func (s *Store) List(ctx context.Context, filter models.ListFilter) ([]models.EmailJob, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM email_jobs
		 WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		 ORDER BY created_at DESC, id DESC
		 LIMIT NULLIF($2::int, 0)`,
		statusStrings(filter.Status),
		filter.Limit,
	)
	if err != nil {
		return nil, wrapErr("list jobs", err)
	}
	defer rows.Close()

	jobs := make([]models.EmailJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list jobs", err)
	}

	return jobs, nil
}

func scanJob(row pgx.Row) (models.EmailJob, error) {
	var (
		job    models.EmailJob
		status string
	)

	err := row.Scan(
		&job.ID,
		&job.Subject,
		&job.Body,
		&job.Recipients,
		&job.ScheduledAt,
		&status,
		&job.Attempts,
		&job.SentAt,
		&job.FailedAt,
		&job.CanceledAt,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return models.EmailJob{}, err
	}

	job.Status = models.JobStatus(status)
	return job, nil
}

func statusStrings(in []models.JobStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
