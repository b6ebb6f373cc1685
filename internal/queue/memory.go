package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

var _ DelayQueue = (*MemoryQueue)(nil)

// MemoryQueue is an in-process DelayQueue. Its contents are lost on exit and
// rebuilt from the store on the next start.
type MemoryQueue struct {
	mu    sync.Mutex
	items entryHeap
	index map[string]*item
	now   func() time.Time
}

type item struct {
	entry Entry
	pos   int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		index: make(map[string]*item),
		now:   time.Now,
	}
}

// NewMemoryQueueWithClock is NewMemoryQueue with an explicit time source.
func NewMemoryQueueWithClock(now func() time.Time) *MemoryQueue {
	q := NewMemoryQueue()
	q.now = now
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string, dueAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.put(Entry{JobID: jobID, DueAt: dueAt})
	return nil
}

func (q *MemoryQueue) Ensure(_ context.Context, jobID string, dueAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[jobID]; !ok {
		q.put(Entry{JobID: jobID, DueAt: dueAt})
	}
	return nil
}

func (q *MemoryQueue) DequeueDue(_ context.Context) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.items[0].entry.DueAt.After(q.now()) {
		return Entry{}, false, nil
	}

	it := heap.Pop(&q.items).(*item)
	delete(q.index, it.entry.JobID)
	return it.entry, true, nil
}

func (q *MemoryQueue) Requeue(_ context.Context, entry Entry, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry.DueAt = q.now().Add(delay)
	entry.Retries++
	q.put(entry)
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.index[jobID]; ok {
		heap.Remove(&q.items, it.pos)
		delete(q.index, jobID)
	}
	return nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) Ping(context.Context) error { return nil }

// put inserts or replaces the entry for entry.JobID. Callers hold mu.
func (q *MemoryQueue) put(entry Entry) {
	if it, ok := q.index[entry.JobID]; ok {
		it.entry = entry
		heap.Fix(&q.items, it.pos)
		return
	}
	it := &item{entry: entry}
	heap.Push(&q.items, it)
	q.index[entry.JobID] = it
}

type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return h[i].entry.DueAt.Before(h[j].entry.DueAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
