package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"InboxScheduler/internal/db"
	"InboxScheduler/internal/email"
	"InboxScheduler/internal/models"
)

type fakeTransport struct {
	calls atomic.Int32
	fn    func(ctx context.Context, attempt int) error
}

func (f *fakeTransport) Send(ctx context.Context, _ email.Message) error {
	n := int(f.calls.Add(1))
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, n)
}

func testConfig() Config {
	return Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		SendTimeout:    time.Second,
	}
}

func seed(t *testing.T, store db.JobStore, id string, status models.JobStatus) {
	t.Helper()
	_, err := store.Create(context.Background(), models.EmailJob{
		ID:          id,
		Subject:     "Hello",
		Body:        "Body",
		Recipients:  []string{"a@example.com"},
		ScheduledAt: time.Now(),
		Status:      status,
	})
	require.NoError(t, err)
}

func newController(t *testing.T, store db.JobStore, transport email.Transport) *Controller {
	return NewController(store, transport, testConfig(), zaptest.NewLogger(t))
}

func TestProcess_Success(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "job-1", models.StatusPending)
	transport := &fakeTransport{}

	job, err := newController(t, store, transport).Process(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.NotNil(t, job.SentAt)
	assert.Nil(t, job.FailedAt)
	assert.Empty(t, job.Error)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestProcess_RetriableThenSuccess(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "job-1", models.StatusPending)
	transport := &fakeTransport{fn: func(_ context.Context, attempt int) error {
		if attempt == 1 {
			return errors.New("connection reset")
		}
		return nil
	}}

	job, err := newController(t, store, transport).Process(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestProcess_AllAttemptsFail(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "job-1", models.StatusPending)
	transport := &fakeTransport{fn: func(context.Context, int) error {
		return errors.New("smtp unavailable")
	}}

	job, err := newController(t, store, transport).Process(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "smtp unavailable", job.Error)
	assert.NotNil(t, job.FailedAt)
	assert.Nil(t, job.SentAt)
	assert.Equal(t, int32(2), transport.calls.Load(), "one attempt plus one automatic retry")
}

func TestProcess_FatalIsNotRetried(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "job-1", models.StatusPending)
	transport := &fakeTransport{fn: func(context.Context, int) error {
		return email.Permanent(errors.New("recipient rejected"))
	}}

	job, err := newController(t, store, transport).Process(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "recipient rejected", job.Error)
	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestProcess_SendTimeoutCountsAsFailure(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "job-1", models.StatusPending)
	transport := &fakeTransport{fn: func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return fmt.Errorf("smtp send error: %w", ctx.Err())
	}}

	c := newController(t, store, transport)
	c.cfg.SendTimeout = 20 * time.Millisecond

	start := time.Now()
	job, err := c.Process(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "deadline exceeded")
	assert.Less(t, time.Since(start), time.Second)
}

func TestProcess_IsIdempotent(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "job-1", models.StatusPending)
	transport := &fakeTransport{}
	c := newController(t, store, transport)

	_, err := c.Process(context.Background(), "job-1")
	require.NoError(t, err)

	job, err := c.Process(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrNotClaimable)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestProcess_ConcurrentDuplicatesSendOnce(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "job-1", models.StatusPending)
	transport := &fakeTransport{}
	c := newController(t, store, transport)

	var wg sync.WaitGroup
	for _i := 0; _i < 10; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Process(context.Background(), "job-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestProcess_TerminalJobsAreLeftAlone(t *testing.T) {
	for _, status := range []models.JobStatus{models.StatusCompleted, models.StatusFailed, models.StatusCanceled, models.StatusProcessing} {
		t.Run(string(status), func(t *testing.T) {
			store := db.NewMemoryStore()
			seed(t, store, "job-1", status)
			transport := &fakeTransport{}

			job, err := newController(t, store, transport).Process(context.Background(), "job-1")
			assert.ErrorIs(t, err, ErrNotClaimable)
			assert.Equal(t, status, job.Status)
			assert.Zero(t, transport.calls.Load())
		})
	}
}

func TestProcess_UnknownJob(t *testing.T) {
	store := db.NewMemoryStore()
	_, err := newController(t, store, &fakeTransport{}).Process(context.Background(), "ghost")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestCancel(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "pending", models.StatusPending)
	seed(t, store, "done", models.StatusCompleted)
	c := newController(t, store, &fakeTransport{})

	job, err := c.Cancel(context.Background(), "pending")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, job.Status)
	assert.NotNil(t, job.CanceledAt)

	job, err = c.Cancel(context.Background(), "done")
	assert.ErrorIs(t, err, ErrNotClaimable)
	assert.Equal(t, models.StatusCompleted, job.Status)
}

func TestForceFail(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "processing", models.StatusProcessing)
	seed(t, store, "pending", models.StatusPending)
	c := newController(t, store, &fakeTransport{})

	job, err := c.ForceFail(context.Background(), "processing", errors.New("worker panic: boom"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "worker panic: boom", job.Error)

	job, err = c.ForceFail(context.Background(), "pending", errors.New("boom"))
	assert.ErrorIs(t, err, ErrNotClaimable)
	assert.Equal(t, models.StatusPending, job.Status)
}

// flakyStore fails the first n terminal updates with ErrStoreUnavailable.
type flakyStore struct {
	*db.MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) Update(ctx context.Context, id string, patch models.JobPatch) (models.EmailJob, error) {
	if patch.Status != nil && patch.Status.Terminal() && f.failures.Add(-1) >= 0 {
		return models.EmailJob{}, fmt.Errorf("%w: connection refused", db.ErrStoreUnavailable)
	}
	return f.MemoryStore.Update(ctx, id, patch)
}

func TestProcess_FinalizeRetriesStoreOutage(t *testing.T) {
	store := &flakyStore{MemoryStore: db.NewMemoryStore()}
	store.failures.Store(2)
	seed(t, store, "job-1", models.StatusPending)

	job, err := newController(t, store, &fakeTransport{}).Process(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
}

func TestProcess_DeliveredButNotRecorded(t *testing.T) {
	store := &flakyStore{MemoryStore: db.NewMemoryStore()}
	store.failures.Store(4)
	seed(t, store, "job-1", models.StatusPending)
	transport := &fakeTransport{}

	_, err := newController(t, store, transport).Process(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrFinalize)
	assert.ErrorIs(t, err, db.ErrStoreUnavailable)
	assert.Equal(t, int32(1), transport.calls.Load())

	job, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Nil(t, job.FailedAt)
}

func TestProcess_FailedSendIsNotFinalizeError(t *testing.T) {
	store := &flakyStore{MemoryStore: db.NewMemoryStore()}
	store.failures.Store(4)
	seed(t, store, "job-1", models.StatusPending)
	transport := &fakeTransport{fn: func(context.Context, int) error {
		return email.Permanent(errors.New("rejected"))
	}}

	_, err := newController(t, store, transport).Process(context.Background(), "job-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrFinalize)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeSent, Classify(nil).Outcome)
	assert.Equal(t, OutcomeRetriable, Classify(errors.New("timeout")).Outcome)
	assert.Equal(t, OutcomeFatal, Classify(email.Permanent(errors.New("bad"))).Outcome)
	assert.Equal(t, "fatal", OutcomeFatal.String())
}
