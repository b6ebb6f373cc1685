package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"InboxScheduler/internal/db"
	"InboxScheduler/internal/email"
	"InboxScheduler/internal/lifecycle"
	"InboxScheduler/internal/models"
	"InboxScheduler/internal/queue"
	"InboxScheduler/internal/ratelimit"
	"InboxScheduler/internal/worker"
)

type countingTransport struct {
	mu    sync.Mutex
	sends []time.Time
}

func (c *countingTransport) Send(context.Context, email.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, time.Now())
	return nil
}

func (c *countingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func testConfig() Config {
	return Config{
		Pool: worker.Config{Workers: 5, PollInterval: 5 * time.Millisecond},
		Lifecycle: lifecycle.Config{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			SendTimeout:    time.Second,
		},
	}
}

type fixture struct {
	store     db.JobStore
	queue     queue.DelayQueue
	transport *countingTransport
	sched     *Scheduler
}

func newFixture(t *testing.T, store db.JobStore, q queue.DelayQueue, limiter ratelimit.Limiter) *fixture {
	t.Helper()
	f := &fixture{store: store, queue: q, transport: &countingTransport{}}
	f.sched = New(store, q, limiter, f.transport, testConfig(), zaptest.NewLogger(t))
	return f
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t, db.NewMemoryStore(), queue.NewMemoryQueue(), ratelimit.NewWindow(0, time.Hour))
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sched.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.sched.Shutdown(ctx)
	})
}

func (f *fixture) get(t *testing.T, id string) models.EmailJob {
	t.Helper()
	job, err := f.sched.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func request(at time.Time) SubmitRequest {
	return SubmitRequest{
		Subject:     "Quarterly update",
		Body:        "Numbers are in.",
		Recipients:  []string{"a@example.com", "b@example.com"},
		ScheduledAt: at,
	}
}

func TestSubmit_CreatesPendingJob(t *testing.T) {
	f := defaultFixture(t)
	at := time.Now().Add(time.Hour)

	job, err := f.sched.Submit(context.Background(), request(at))
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, job.Recipients)
	assert.WithinDuration(t, at, job.ScheduledAt, time.Millisecond)
	assert.False(t, job.CreatedAt.IsZero())

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubmit_Validation(t *testing.T) {
	f := defaultFixture(t)

	req := request(time.Now())
	req.Recipients = nil
	_, err := f.sched.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = f.sched.Submit(context.Background(), request(time.Time{}))
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestScheduler_PastDueJobFiresImmediately(t *testing.T) {
	f := defaultFixture(t)
	f.start(t)

	job, err := f.sched.Submit(context.Background(), request(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.get(t, job.ID).Status == models.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	done := f.get(t, job.ID)
	require.NotNil(t, done.SentAt)
	assert.Nil(t, done.FailedAt)
	assert.Empty(t, done.Error)
}

func TestScheduler_FutureJobIsNotSentEarly(t *testing.T) {
	f := defaultFixture(t)
	f.start(t)

	due := time.Now().Add(300 * time.Millisecond)
	job, err := f.sched.Submit(context.Background(), request(due))
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, models.StatusPending, f.get(t, job.ID).Status)
	assert.Zero(t, f.transport.count())

	require.Eventually(t, func() bool {
		return f.get(t, job.ID).Status == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	sentAt := *f.get(t, job.ID).SentAt
	assert.False(t, sentAt.Before(due), "sent at %s before due %s", sentAt, due)
	assert.WithinDuration(t, due, sentAt, 500*time.Millisecond)
}

func TestScheduler_RateLimitCapsDispatchesPerWindow(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore(), queue.NewMemoryQueue(), ratelimit.NewWindow(2, time.Hour))
	f.start(t)

	var ids []string
	for _i := 0; _i < 3; _i++ {
		job, err := f.sched.Submit(context.Background(), request(time.Now()))
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool { return f.transport.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, f.transport.count())

	statuses := map[models.JobStatus]int{}
	for _, id := range ids {
		statuses[f.get(t, id).Status]++
	}
	assert.Equal(t, 2, statuses[models.StatusCompleted])
	assert.Equal(t, 1, statuses[models.StatusPending])
}

func TestScheduler_RecoversPendingJobsAfterRestart(t *testing.T) {
	store := db.NewMemoryStore()
	first := newFixture(t, store, queue.NewMemoryQueue(), ratelimit.NewWindow(0, time.Hour))

	const n = 4
	for _i := 0; _i < n; _i++ {
		_, err := first.sched.Submit(context.Background(), request(time.Now().Add(50*time.Millisecond)))
		require.NoError(t, err)
	}

	// The first process dies before dispatching; its in-memory queue is lost.
	second := newFixture(t, store, queue.NewMemoryQueue(), ratelimit.NewWindow(0, time.Hour))
	second.start(t)

	require.Eventually(t, func() bool { return second.transport.count() == n }, 2*time.Second, 5*time.Millisecond)

	jobs, err := second.sched.ListJobs(context.Background(), models.ListFilter{Status: []models.JobStatus{models.StatusCompleted}})
	require.NoError(t, err)
	assert.Len(t, jobs, n)
	assert.Zero(t, first.transport.count())
}

func TestRecover_KeepsExistingEntriesAndReportsInterrupted(t *testing.T) {
	store := db.NewMemoryStore()
	q := queue.NewMemoryQueue()
	f := newFixture(t, store, q, ratelimit.NewWindow(0, time.Hour))
	ctx := context.Background()

	for _, seed := range []struct {
		id     string
		status models.JobStatus
	}{
		{"pending-queued", models.StatusPending},
		{"pending-lost", models.StatusPending},
		{"interrupted", models.StatusProcessing},
		{"done", models.StatusCompleted},
	} {
		_, err := store.Create(ctx, models.EmailJob{
			ID:          seed.id,
			Recipients:  []string{"a@example.com"},
			ScheduledAt: time.Now(),
			Status:      seed.status,
		})
		require.NoError(t, err)
	}

	backedOff := time.Now().Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, "pending-queued", backedOff))

	n, err := f.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	size, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	entry, ok, err := q.DequeueDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pending-lost", entry.JobID, "existing backoff must be kept")

	assert.Equal(t, models.StatusProcessing, f.get(t, "interrupted").Status)
}

func TestCancel_PreventsDelivery(t *testing.T) {
	f := defaultFixture(t)
	f.start(t)

	job, err := f.sched.Submit(context.Background(), request(time.Now().Add(100*time.Millisecond)))
	require.NoError(t, err)

	canceled, err := f.sched.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, canceled.Status)
	assert.NotNil(t, canceled.CanceledAt)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.transport.count())

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.sched.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, lifecycle.ErrNotClaimable)
}

type downStore struct{ *db.MemoryStore }

func (downStore) Create(context.Context, models.EmailJob) (models.EmailJob, error) {
	return models.EmailJob{}, fmt.Errorf("%w: connection refused", db.ErrStoreUnavailable)
}

func (downStore) Ping(context.Context) error {
	return fmt.Errorf("%w: connection refused", db.ErrStoreUnavailable)
}

func TestSubmit_StoreUnavailable(t *testing.T) {
	f := newFixture(t, downStore{db.NewMemoryStore()}, queue.NewMemoryQueue(), ratelimit.NewWindow(0, time.Hour))

	_, err := f.sched.Submit(context.Background(), request(time.Now()))
	assert.ErrorIs(t, err, db.ErrStoreUnavailable)

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, f.sched.Ping(context.Background()), db.ErrStoreUnavailable)
}

type downQueue struct{ *queue.MemoryQueue }

func (downQueue) Enqueue(context.Context, string, time.Time) error {
	return fmt.Errorf("%w: connection refused", queue.ErrUnavailable)
}

func TestSubmit_QueueUnavailableCancelsJob(t *testing.T) {
	store := db.NewMemoryStore()
	f := newFixture(t, store, downQueue{queue.NewMemoryQueue()}, ratelimit.NewWindow(0, time.Hour))

	_, err := f.sched.Submit(context.Background(), request(time.Now()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrUnavailable))

	jobs, err := store.List(context.Background(), models.ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusCanceled, jobs[0].Status)
}

func TestStart_Twice(t *testing.T) {
	f := defaultFixture(t)
	f.start(t)
	assert.ErrorIs(t, f.sched.Start(context.Background()), ErrAlreadyStarted)
}

type blockingTransport struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTransport) Send(context.Context, email.Message) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return nil
}

func TestShutdown_TimeoutKeepsSchedulerStarted(t *testing.T) {
	transport := &blockingTransport{started: make(chan struct{}), release: make(chan struct{})}
	store := db.NewMemoryStore()
	sched := New(store, queue.NewMemoryQueue(), ratelimit.NewWindow(0, time.Hour), transport, testConfig(), zaptest.NewLogger(t))

	require.NoError(t, sched.Start(context.Background()))
	job, err := sched.Submit(context.Background(), request(time.Now().Add(-time.Second)))
	require.NoError(t, err)

	select {
	case <-transport.started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sched.Shutdown(ctx), context.DeadlineExceeded)

	// Workers are still draining, so a restart must be refused.
	assert.ErrorIs(t, sched.Start(context.Background()), ErrAlreadyStarted)

	close(transport.release)
	require.NoError(t, sched.Shutdown(context.Background()))

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	require.NoError(t, sched.Start(context.Background()))
	require.NoError(t, sched.Shutdown(context.Background()))
}

func TestShutdown_WithoutStart(t *testing.T) {
	f := defaultFixture(t)
	assert.NoError(t, f.sched.Shutdown(context.Background()))
}

func TestPing(t *testing.T) {
	f := defaultFixture(t)
	assert.NoError(t, f.sched.Ping(context.Background()))
}
