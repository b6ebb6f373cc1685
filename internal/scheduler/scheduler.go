// Package scheduler wires the job store, delay queue, rate limiter and worker
// pool into one service with an explicit start and shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"InboxScheduler/internal/db"
	"InboxScheduler/internal/email"
	"InboxScheduler/internal/lifecycle"
	"InboxScheduler/internal/metrics"
	"InboxScheduler/internal/models"
	"InboxScheduler/internal/queue"
	"InboxScheduler/internal/ratelimit"
	"InboxScheduler/internal/worker"
)

var (
	ErrInvalidJob     = errors.New("scheduler: invalid job")
	ErrAlreadyStarted = errors.New("scheduler: already started")
)

type Config struct {
	Pool      worker.Config
	Lifecycle lifecycle.Config
	// ReconcileInterval controls how often PENDING jobs are re-checked
	// against the queue. Zero disables the sweep.
	ReconcileInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Pool:              worker.DefaultConfig(),
		Lifecycle:         lifecycle.DefaultConfig(),
		ReconcileInterval: time.Minute,
	}
}

// SubmitRequest is a send request as accepted from a client.
type SubmitRequest struct {
	Subject     string
	Body        string
	Recipients  []string
	ScheduledAt time.Time
}

type Scheduler struct {
	store      db.JobStore
	queue      queue.DelayQueue
	controller *lifecycle.Controller
	pool       *worker.Pool
	cfg        Config
	log        *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	sweeps  sync.WaitGroup
}

func New(
	store db.JobStore,
	q queue.DelayQueue,
	limiter ratelimit.Limiter,
	transport email.Transport,
	cfg Config,
	log *zap.Logger,
) *Scheduler {
	controller := lifecycle.NewController(store, transport, cfg.Lifecycle, log)

	return &Scheduler{
		store:      store,
		queue:      q,
		controller: controller,
		pool:       worker.NewPool(q, store, controller, limiter, cfg.Pool, log),
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// Start rebuilds the queue from the store and launches the workers. The
// scheduler runs until Shutdown is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if _, err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.pool.Start(runCtx)

	if s.cfg.ReconcileInterval > 0 {
		s.sweeps.Add(1)
		go s.reconcileLoop(runCtx)
	}

	s.log.Info("scheduler started",
		zap.Int("workers", s.cfg.Pool.Workers),
		zap.Duration("reconcile_interval", s.cfg.ReconcileInterval),
	)
	return nil
}

// Shutdown stops dequeuing and waits for in-flight jobs to finish or for ctx
// to expire, whichever comes first. The scheduler counts as started, and
// refuses Start, until its workers have returned; a timed-out Shutdown can
// be called again to finish the drain.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		s.sweeps.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler shutdown timed out with jobs in flight")
		return ctx.Err()
	}
}

// Submit persists a new PENDING job and schedules it for delivery at
// ScheduledAt. A time in the past is due immediately.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (models.EmailJob, error) {
	if len(req.Recipients) == 0 {
		return models.EmailJob{}, fmt.Errorf("%w: at least one recipient is required", ErrInvalidJob)
	}
	if req.ScheduledAt.IsZero() {
		return models.EmailJob{}, fmt.Errorf("%w: scheduledAt is required", ErrInvalidJob)
	}

	now := s.now().UTC()
	job, err := s.store.Create(ctx, models.EmailJob{
		ID:          uuid.NewString(),
		Subject:     req.Subject,
		Body:        req.Body,
		Recipients:  append([]string(nil), req.Recipients...),
		ScheduledAt: req.ScheduledAt.UTC(),
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return models.EmailJob{}, fmt.Errorf("create job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job.ID, job.ScheduledAt); err != nil {
		s.log.Error("enqueue failed, canceling job",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		if _, cerr := s.controller.Cancel(context.Background(), job.ID); cerr != nil {
			s.log.Error("failed to cancel unqueued job",
				zap.String("job_id", job.ID),
				zap.Error(cerr),
			)
		}
		return models.EmailJob{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	metrics.JobsScheduled.Inc()
	s.log.Info("job scheduled",
		zap.String("job_id", job.ID),
		zap.Time("scheduled_at", job.ScheduledAt),
		zap.Int("recipients", len(job.Recipients)),
	)
	return job, nil
}

func (s *Scheduler) GetJob(ctx context.Context, id string) (models.EmailJob, error) {
	return s.store.Get(ctx, id)
}

// ListJobs returns jobs newest first.
func (s *Scheduler) ListJobs(ctx context.Context, filter models.ListFilter) ([]models.EmailJob, error) {
	return s.store.List(ctx, filter)
}

// Cancel stops a PENDING job from being sent. Jobs in any other state are
// returned unchanged with lifecycle.ErrNotClaimable.
func (s *Scheduler) Cancel(ctx context.Context, id string) (models.EmailJob, error) {
	job, err := s.controller.Cancel(ctx, id)
	if err != nil {
		return job, err
	}

	// A leftover entry is harmless; workers drop entries for canceled jobs.
	if err := s.queue.Remove(ctx, id); err != nil {
		s.log.Warn("failed to remove canceled job from queue",
			zap.String("job_id", id),
			zap.Error(err),
		)
	}

	metrics.JobsCanceled.Inc()
	s.log.Info("job canceled", zap.String("job_id", id))
	return job, nil
}

// Recover makes sure every PENDING job has a queue entry. Existing entries,
// including ones backed off by the rate limiter, are kept. Jobs found in
// PROCESSING were interrupted mid-send and are reported, not resent.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	n, err := s.ensurePending(ctx)
	if err != nil {
		return n, err
	}

	stuck, err := s.store.List(ctx, models.ListFilter{
		Status: []models.JobStatus{models.StatusProcessing},
	})
	if err != nil {
		return n, fmt.Errorf("list processing jobs: %w", err)
	}
	for _, job := range stuck {
		s.log.Warn("job was interrupted while sending, leaving as is",
			zap.String("job_id", job.ID),
			zap.Time("updated_at", job.UpdatedAt),
		)
	}

	s.log.Info("queue recovered from store",
		zap.Int("pending", n),
		zap.Int("interrupted", len(stuck)),
	)
	return n, nil
}

func (s *Scheduler) ensurePending(ctx context.Context) (int, error) {
	pending, err := s.store.List(ctx, models.ListFilter{
		Status: []models.JobStatus{models.StatusPending},
	})
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}

	for i, job := range pending {
		if err := s.queue.Ensure(ctx, job.ID, job.ScheduledAt); err != nil {
			return i, fmt.Errorf("ensure job %s: %w", job.ID, err)
		}
		metrics.QueueRecovered.Inc()
	}
	return len(pending), nil
}

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.sweeps.Done()

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ensurePending(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("reconcile sweep failed", zap.Error(err))
			}
		}
	}
}

// Ping checks the store and the queue concurrently.
func (s *Scheduler) Ping(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.store.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.queue.Ping(ctx); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		return nil
	})

	return g.Wait()
}
