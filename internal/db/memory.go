package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"InboxScheduler/internal/models"
)

var _ JobStore = (*MemoryStore)(nil)

// MemoryStore is a process-local JobStore. Jobs do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]models.EmailJob
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]models.EmailJob),
		now:  time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, job models.EmailJob) (models.EmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return models.EmailJob{}, ErrDuplicateKey
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now().UTC()
	}
	job.UpdatedAt = job.CreatedAt

	m.jobs[job.ID] = clone(job)
	return clone(job), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.EmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.EmailJob{}, ErrNotFound
	}
	return clone(job), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, patch models.JobPatch) (models.EmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.EmailJob{}, ErrNotFound
	}
	if !patch.Allows(job.Status) {
		return clone(job), ErrTransitionConflict
	}

	patch.Apply(&job)
	job.UpdatedAt = m.now().UTC()
	m.jobs[id] = job

	return clone(job), nil
}

func (m *MemoryStore) List(_ context.Context, filter models.ListFilter) ([]models.EmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]models.EmailJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.Matches(job) {
			jobs = append(jobs, clone(job))
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func clone(job models.EmailJob) models.EmailJob {
	job.Recipients = append([]string(nil), job.Recipients...)
	job.SentAt = cloneTime(job.SentAt)
	job.FailedAt = cloneTime(job.FailedAt)
	job.CanceledAt = cloneTime(job.CanceledAt)
	return job
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
