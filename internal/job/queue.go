// ABOUTME: Priority queue holding the ids of jobs waiting for placement.
// ABOUTME: Max-heap by priority, FIFO within a priority band by push sequence.

package job

import (
	"container/heap"
	"sync"
)

// QueueEntry is one waiting job. Seq is assigned monotonically at push time
// and preserved when a job is requeued after a failed placement, so FIFO
// order within a priority band survives requeues.
type QueueEntry struct {
	JobID    string
	Priority Priority
	Seq      uint64
}

// Queue is the ordered waiting room for queued jobs.
type Queue struct {
	mu      sync.Mutex
	entries entryHeap
	nextSeq uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push enqueues a job at the given priority with a fresh sequence number.
func (q *Queue) Push(jobID string, priority Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	heap.Push(&q.entries, QueueEntry{JobID: jobID, Priority: priority, Seq: q.nextSeq})
}

// Requeue puts an entry back with its original sequence number. Used when
// no agent fit the job this tick or a dispatch attempt failed.
func (q *Queue) Requeue(e QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.entries, e)
}

// Pop removes and returns the highest-priority, oldest entry.
func (q *Queue) Pop() (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries.Len() == 0 {
		return QueueEntry{}, false
	}
	return heap.Pop(&q.entries).(QueueEntry), true
}

// Remove drops a job from the queue, if present. Returns true when an
// entry was removed. Used on cancellation of a queued job.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.JobID == jobID {
			heap.Remove(&q.entries, i)
			return true
		}
	}
	return false
}

// Size returns the number of waiting jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Snapshot returns the waiting job ids in dispatch order.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	tmp := make(entryHeap, len(q.entries))
	copy(tmp, q.entries)

	out := make([]string, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(QueueEntry).JobID)
	}
	return out
}

// entryHeap implements heap.Interface: higher priority first, lower
// sequence first within equal priority.
type entryHeap []QueueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(QueueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
