// Package lifecycle moves a single email job through its states.
//
//	PENDING -> PROCESSING -> COMPLETED
//	                      -> FAILED
//	PENDING -> CANCELED
//
// Every transition is a guarded store update, so a duplicate delivery of the
// same job id can never send twice or move a job backwards.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"InboxScheduler/internal/db"
	"InboxScheduler/internal/email"
	"InboxScheduler/internal/metrics"
	"InboxScheduler/internal/models"
)

// ErrNotClaimable is returned when a job is no longer PENDING. The returned
// job carries its current state.
var ErrNotClaimable = errors.New("lifecycle: job is not pending")

// ErrFinalize is returned when the email was delivered but COMPLETED could not
// be recorded. The job is left PROCESSING and must not be failed or resent.
var ErrFinalize = errors.New("lifecycle: delivered but not recorded")

type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeRetriable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeRetriable:
		return "retriable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// Result is what one transport attempt produced.
type Result struct {
	Outcome Outcome
	Err     error
}

// Classify maps a transport error to a Result.
func Classify(err error) Result {
	switch {
	case err == nil:
		return Result{Outcome: OutcomeSent}
	case email.IsPermanent(err):
		return Result{Outcome: OutcomeFatal, Err: err}
	default:
		return Result{Outcome: OutcomeRetriable, Err: err}
	}
}

type Config struct {
	// MaxRetries is how many extra attempts follow a retriable failure.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// SendTimeout bounds each transport attempt.
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     1,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		SendTimeout:    30 * time.Second,
	}
}

type Controller struct {
	store     db.JobStore
	transport email.Transport
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

func NewController(store db.JobStore, transport email.Transport, cfg Config, log *zap.Logger) *Controller {
	return &Controller{
		store:     store,
		transport: transport,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Process claims the job, delivers it and records the terminal state. A job
// that is not PENDING is returned unchanged with ErrNotClaimable and the
// transport is not called. A delivered email whose completion cannot be
// written returns ErrFinalize.
func (c *Controller) Process(ctx context.Context, id string) (models.EmailJob, error) {
	job, err := c.Begin(ctx, id)
	if err != nil {
		return job, err
	}

	attempts, res := c.deliver(ctx, job)

	if res.Outcome == OutcomeSent {
		job, err := c.complete(ctx, id, attempts)
		if err != nil && !errors.Is(err, ErrNotClaimable) {
			return job, fmt.Errorf("%w: %w", ErrFinalize, err)
		}
		return job, err
	}
	return c.fail(ctx, id, res.Err.Error(), attempts)
}

// Begin performs PENDING -> PROCESSING.
func (c *Controller) Begin(ctx context.Context, id string) (models.EmailJob, error) {
	status := models.StatusProcessing
	job, err := c.store.Update(ctx, id, models.JobPatch{
		Status:       &status,
		ExpectStatus: models.Predecessors(models.StatusProcessing),
	})
	if errors.Is(err, db.ErrTransitionConflict) {
		c.log.Info("job not pending, skipping",
			zap.String("job_id", id),
			zap.String("status", string(job.Status)),
		)
		return job, ErrNotClaimable
	}
	if err != nil {
		return job, fmt.Errorf("claim job %s: %w", id, err)
	}
	return job, nil
}

// Cancel performs PENDING -> CANCELED.
func (c *Controller) Cancel(ctx context.Context, id string) (models.EmailJob, error) {
	status := models.StatusCanceled
	now := c.now().UTC()
	job, err := c.store.Update(ctx, id, models.JobPatch{
		Status:       &status,
		CanceledAt:   &now,
		ExpectStatus: models.Predecessors(models.StatusCanceled),
	})
	if errors.Is(err, db.ErrTransitionConflict) {
		return job, ErrNotClaimable
	}
	return job, err
}

// ForceFail records an unexpected processing error against a job that is
// already PROCESSING. Jobs in any other state are left alone.
func (c *Controller) ForceFail(ctx context.Context, id string, cause error) (models.EmailJob, error) {
	return c.fail(ctx, id, cause.Error(), 0)
}

// deliver runs the transport with the bounded retry policy. It returns the
// number of attempts made and the last attempt's result.
func (c *Controller) deliver(ctx context.Context, job models.EmailJob) (int, Result) {
	msg := email.Message{
		Recipients: job.Recipients,
		Subject:    job.Subject,
		Body:       job.Body,
	}

	var (
		attempts int
		last     Result
	)

	operation := func() error {
		attempts++
		metrics.SendAttempts.Inc()

		sendCtx, cancel := c.attemptContext(ctx)
		defer cancel()

		last = Classify(c.transport.Send(sendCtx, msg))
		switch last.Outcome {
		case OutcomeSent:
			return nil
		case OutcomeFatal:
			return backoff.Permanent(last.Err)
		default:
			return last.Err
		}
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn("send attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	_ = backoff.RetryNotify(operation, c.retryPolicy(ctx), notify)

	return attempts, last
}

func (c *Controller) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	if c.cfg.MaxBackoff > 0 {
		b.MaxInterval = c.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0

	retries := c.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (c *Controller) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.SendTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.SendTimeout)
}

func (c *Controller) complete(ctx context.Context, id string, attempts int) (models.EmailJob, error) {
	status := models.StatusCompleted
	now := c.now().UTC()
	return c.finalize(ctx, id, models.JobPatch{
		Status:       &status,
		SentAt:       &now,
		AddAttempts:  attempts,
		ExpectStatus: models.Predecessors(models.StatusCompleted),
	})
}

func (c *Controller) fail(ctx context.Context, id, msg string, attempts int) (models.EmailJob, error) {
	status := models.StatusFailed
	now := c.now().UTC()
	return c.finalize(ctx, id, models.JobPatch{
		Status:       &status,
		FailedAt:     &now,
		Error:        &msg,
		AddAttempts:  attempts,
		ExpectStatus: models.Predecessors(models.StatusFailed),
	})
}

// finalize writes a terminal state. A store outage gets a few short retries
// so a sent email is not left looking unsent.
func (c *Controller) finalize(ctx context.Context, id string, patch models.JobPatch) (models.EmailJob, error) {
	var job models.EmailJob

	operation := func() error {
		var err error
		job, err = c.store.Update(ctx, id, patch)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, db.ErrStoreUnavailable):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 3),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, db.ErrTransitionConflict) {
			return job, ErrNotClaimable
		}
		return job, fmt.Errorf("finalize job %s: %w", id, err)
	}
	return job, nil
}
