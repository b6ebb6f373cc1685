package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"InboxScheduler/internal/models"
)

var (
	ErrNotFound           = errors.New("db: job not found")
	ErrDuplicateKey       = errors.New("db: duplicate job id")
	ErrTransitionConflict = errors.New("db: job not in expected status")
	ErrStoreUnavailable   = errors.New("db: store unavailable")
)

// JobStore is durable keyed storage for email jobs. Update is atomic per id.
type JobStore interface {
	Create(ctx context.Context, job models.EmailJob) (models.EmailJob, error)
	Get(ctx context.Context, id string) (models.EmailJob, error)
	Update(ctx context.Context, id string, patch models.JobPatch) (models.EmailJob, error)
	List(ctx context.Context, filter models.ListFilter) ([]models.EmailJob, error)
	Ping(ctx context.Context) error
}

// DBTX is the subset of *pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ JobStore = (*Store)(nil)

type Store struct {
	Pool    *pgxpool.Pool
	db      DBTX
	timeout time.Duration
}

// New connects a pgx pool. timeout bounds every store call so an unreachable
// database fails fast instead of stalling submitters and workers.
func New(ctx context.Context, conn string, timeout time.Duration) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool, db: pool, timeout: timeout}, nil
}

// NewWithDB builds a store over an existing connection or transaction.
func NewWithDB(db DBTX, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStoreUnavailable, err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS email_jobs (
		id           TEXT PRIMARY KEY,
		subject      TEXT NOT NULL,
		body         TEXT NOT NULL,
		recipients   TEXT[] NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		status       TEXT NOT NULL DEFAULT 'PENDING',
		attempts     INTEGER NOT NULL DEFAULT 0,
		sent_at      TIMESTAMPTZ,
		failed_at    TIMESTAMPTZ,
		canceled_at  TIMESTAMPTZ,
		error        TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT email_jobs_recipients_not_empty CHECK (cardinality(recipients) > 0)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_jobs_status ON email_jobs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_email_jobs_created_at ON email_jobs (created_at DESC)`,
}

// Migrate creates the email_jobs table and its indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return wrapErr("migrate", err)
		}
	}
	return nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// wrapErr maps driver errors onto the store's sentinels. Anything that is not
// a server-side error is treated as the database being unreachable.
func wrapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("db: %s: %w", op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
