package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"InboxScheduler/internal/db"
	"InboxScheduler/internal/lifecycle"
	"InboxScheduler/internal/metrics"
	"InboxScheduler/internal/models"
	"InboxScheduler/internal/queue"
	"InboxScheduler/internal/ratelimit"
)

type Config struct {
	Workers int
	// PollInterval is how long an idle worker sleeps before asking the queue
	// again.
	PollInterval time.Duration
	// MinSpacing is the minimum gap between two dispatches started by the
	// same worker.
	MinSpacing time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      5,
		PollInterval: 200 * time.Millisecond,
		MinSpacing:   2 * time.Second,
	}
}

// Pool runs a fixed number of workers that drain due entries from the delay
// queue and hand them to the lifecycle controller.
type Pool struct {
	queue      queue.DelayQueue
	store      db.JobStore
	controller *lifecycle.Controller
	limiter    ratelimit.Limiter
	cfg        Config
	logger     *zap.Logger

	wg sync.WaitGroup
}

func NewPool(
	q queue.DelayQueue,
	store db.JobStore,
	controller *lifecycle.Controller,
	limiter ratelimit.Limiter,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Pool{
		queue:      q,
		store:      store,
		controller: controller,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start launches the workers. Cancelling ctx stops them from taking new
// entries; a job already being processed runs to its terminal state.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)

		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker_id", id))
	log.Info("worker started")

	spacer := ratelimit.NewSpacer(p.cfg.MinSpacing)

	for {
		if ctx.Err() != nil {
			log.Info("worker shutting down")
			return
		}

		entry, ok, err := p.queue.DequeueDue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("dequeue failed", zap.Error(err))
			}
			p.sleep(ctx)
			continue
		}
		if !ok {
			p.sleep(ctx)
			continue
		}

		p.dispatch(ctx, log, spacer, entry)
	}
}

func (p *Pool) dispatch(ctx context.Context, log *zap.Logger, spacer *ratelimit.Spacer, entry queue.Entry) {
	log = log.With(zap.String("job_id", entry.JobID))

	// ----------------------------
	// Skip jobs that left PENDING
	// ----------------------------
	job, err := p.store.Get(ctx, entry.JobID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		log.Warn("dropping queue entry for unknown job")
		return
	case err != nil:
		log.Error("failed to load job", zap.Error(err))
		p.requeue(log, entry, p.cfg.PollInterval)
		return
	case job.Status != models.StatusPending:
		log.Info("job not pending, dropping entry", zap.String("status", string(job.Status)))
		return
	}

	// ----------------------------
	// Rate Limit
	// ----------------------------
	if granted, retryAfter := p.limiter.TryAcquire(); !granted {
		metrics.RateLimited.Inc()
		log.Info("rate limited, requeueing",
			zap.Duration("retry_after", retryAfter),
			zap.Int("retries", entry.Retries+1),
		)
		p.requeue(log, entry, retryAfter)
		return
	}

	// ----------------------------
	// Per-worker spacing
	// ----------------------------
	if err := spacer.Wait(ctx); err != nil {
		log.Info("stopped while waiting for send slot, returning entry")
		if err := p.queue.Ensure(context.Background(), entry.JobID, entry.DueAt); err != nil {
			log.Error("failed to return entry to queue", zap.Error(err))
		}
		return
	}

	p.process(log, entry)
}

// process drives one claimed entry to a terminal state. It runs on a
// background context: pool shutdown waits for it instead of cutting it off.
func (p *Pool) process(log *zap.Logger, entry queue.Entry) {
	ctx := context.Background()
	start := time.Now()
	metrics.DispatchLag.Observe(start.Sub(entry.DueAt).Seconds())

	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("worker panic: %v", r)
			log.Error("job processing panicked", zap.Any("panic", r))
			p.forceFail(ctx, log, entry, cause)
		}
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	job, err := p.controller.Process(ctx, entry.JobID)
	switch {
	case errors.Is(err, lifecycle.ErrNotClaimable):
		log.Info("job already claimed", zap.String("status", string(job.Status)))

	case errors.Is(err, lifecycle.ErrFinalize):
		// A delivered email is never marked FAILED.
		log.Error("email sent but completion not recorded, leaving job PROCESSING", zap.Error(err))
		metrics.EmailsSent.Inc()

	case err != nil:
		log.Error("job processing failed", zap.Error(err))
		p.forceFail(ctx, log, entry, err)

	case job.Status == models.StatusCompleted:
		log.Info("email sent successfully",
			zap.Strings("to", job.Recipients),
			zap.Int("attempts", job.Attempts),
		)
		metrics.EmailsSent.Inc()

	default:
		log.Error("email send failed",
			zap.Strings("to", job.Recipients),
			zap.Int("attempts", job.Attempts),
			zap.String("error", job.Error),
		)
		metrics.EmailFailures.Inc()
	}
}

// forceFail records cause against a PROCESSING job. A job that never left
// PENDING, or whose state could not be read, goes back on the queue; dispatch
// drops the entry once the job is no longer PENDING.
func (p *Pool) forceFail(ctx context.Context, log *zap.Logger, entry queue.Entry, cause error) {
	job, err := p.controller.ForceFail(ctx, entry.JobID, cause)
	switch {
	case err == nil:
		metrics.EmailFailures.Inc()
	case errors.Is(err, lifecycle.ErrNotClaimable) && job.Status == models.StatusPending:
		p.requeue(log, entry, p.cfg.PollInterval)
	case errors.Is(err, lifecycle.ErrNotClaimable):
		log.Info("job already terminal", zap.String("status", string(job.Status)))
	default:
		log.Error("failed to record failure, requeueing", zap.Error(err))
		p.requeue(log, entry, p.cfg.PollInterval)
	}
}

func (p *Pool) requeue(log *zap.Logger, entry queue.Entry, delay time.Duration) {
	if err := p.queue.Requeue(context.Background(), entry, delay); err != nil {
		log.Error("failed to requeue entry", zap.Error(err))
	}
}

func (p *Pool) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
