package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// agingInterval is how long a job waits to gain one priority level.
const agingInterval = 10 * time.Second

// queued is a heap entry. due is the submit time pushed back by one aging
// interval per priority level, so a job that has waited long enough
// overtakes more urgent jobs submitted after it. Ordering by due never
// changes while entries sit in the heap.
type queued struct {
	job *Job
	due time.Time
	seq uint64
}

type jobHeap []queued

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	di, dj := h[i].job.Deadline, h[j].job.Deadline
	if !di.Equal(dj) {
		// A job with a deadline goes before one without.
		if di.IsZero() || dj.IsZero() {
			return dj.IsZero()
		}
		return di.Before(dj)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return item
}

// ThreadSafeQueue is the scheduler's priority queue with aging.
type ThreadSafeQueue struct {
	mu      sync.Mutex
	h       jobHeap
	seq     uint64
	delayed int
}

func NewThreadSafeQueue() *ThreadSafeQueue {
	return &ThreadSafeQueue{}
}

func (q *ThreadSafeQueue) Push(job *Job) {
	if job.SubmitTime.IsZero() {
		job.SubmitTime = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.h, queued{
		job: job,
		due: job.SubmitTime.Add(time.Duration(job.Priority) * agingInterval),
		seq: q.seq,
	})
}

// Pop returns the most urgent job, or nil when the queue is empty.
func (q *ThreadSafeQueue) Pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(queued).job
}

func (q *ThreadSafeQueue) Peek() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0].job
}

// Len counts jobs ready to run. Jobs waiting out a delay are not included.
func (q *ThreadSafeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Delayed counts jobs scheduled by PushDelayed that are not queued yet.
func (q *ThreadSafeQueue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delayed
}

// PushDelayed queues job once delay has passed. It does not block.
func (q *ThreadSafeQueue) PushDelayed(job *Job, delay time.Duration) {
	if delay <= 0 {
		q.Push(job)
		return
	}
	q.mu.Lock()
	q.delayed++
	q.mu.Unlock()
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.delayed--
		q.mu.Unlock()
		q.Push(job)
	})
}
