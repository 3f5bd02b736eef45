// Package queue implements the in-process send queue: one binary heap per
// priority tier, each ordered by (priority desc, scheduled_at asc). A task
// whose scheduled_at lies in the future is not dispatched; readiness is
// re-evaluated on every pop rather than with timers, which keeps Reschedule
// and Remove O(log n) with no timer bookkeeping.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/saharalabs/rasel/internal/types"
)

var (
	// ErrFull is returned by Add when the queue has reached its depth cap.
	ErrFull = errors.New("queue: full")
	// ErrNotQueued is returned when the task is not currently in the queue.
	ErrNotQueued = errors.New("queue: task not queued")
)

// Task is one pending send. Tasks reference the durable message by ID; the
// queue itself is rebuilt from the store on restart.
type Task struct {
	MessageID   string
	Priority    types.Priority
	ScheduledAt time.Time
	Attempt     int
	EnqueuedAt  time.Time

	// heapIdx is maintained by the heap so Remove and Reschedule can
	// address the task directly.
	heapIdx int
	tier    int
}

const numTiers = 3

// tierOf buckets the four priorities into three dispatch tiers. Urgent and
// high share the top tier; within it the heap ordering still puts urgent
// first.
func tierOf(p types.Priority) int {
	switch {
	case p >= types.PriorityHigh:
		return 0
	case p == types.PriorityNormal:
		return 1
	default:
		return 2
	}
}

// taskHeap orders by priority desc, then scheduled_at asc.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}

// Queue is the tiered send queue. Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	tiers    [numTiers]taskHeap
	byMsgID  map[string]*Task
	maxDepth int
}

// New returns an empty queue capped at maxDepth tasks across all tiers.
func New(maxDepth int) *Queue {
	if maxDepth < 1 {
		maxDepth = 100_000
	}
	return &Queue{
		byMsgID:  make(map[string]*Task),
		maxDepth: maxDepth,
	}
}

// Add enqueues t. A zero ScheduledAt means "ready now". Adding a message ID
// that is already queued replaces its schedule rather than duplicating it.
func (q *Queue) Add(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byMsgID[t.MessageID]; ok {
		existing.ScheduledAt = t.ScheduledAt
		existing.Priority = t.Priority
		existing.Attempt = t.Attempt
		heap.Fix(&q.tiers[existing.tier], existing.heapIdx)
		return nil
	}

	if q.depthLocked() >= q.maxDepth {
		return ErrFull
	}

	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	t.tier = tierOf(t.Priority)
	heap.Push(&q.tiers[t.tier], t)
	q.byMsgID[t.MessageID] = t
	return nil
}

// Next pops the highest-priority ready task, scanning tiers top down. It
// returns nil when no queued task is ready at now.
//
// Each tier is drained in two phases: not-ready tasks are popped aside
// until a ready one surfaces, then the set-aside tasks are pushed back.
// The heap orders priority before scheduled_at, so without the second
// phase a future-scheduled urgent task would shadow every ready task
// behind it in the same tier.
func (q *Queue) Next(now time.Time) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.tiers {
		h := &q.tiers[i]
		var aside []*Task
		var ready *Task
		for h.Len() > 0 {
			t := heap.Pop(h).(*Task)
			if t.ScheduledAt.After(now) {
				aside = append(aside, t)
				continue
			}
			// Pop order is (priority desc, scheduled_at asc), so the
			// first ready task popped is the best ready task.
			ready = t
			break
		}
		for _, t := range aside {
			heap.Push(h, t)
		}
		if ready != nil {
			delete(q.byMsgID, ready.MessageID)
			return ready
		}
	}
	return nil
}

// Reschedule moves a queued task to a new ready time.
func (q *Queue) Reschedule(messageID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byMsgID[messageID]
	if !ok {
		return ErrNotQueued
	}
	t.ScheduledAt = at
	heap.Fix(&q.tiers[t.tier], t.heapIdx)
	return nil
}

// Remove deletes a queued task. Used when a campaign is cancelled before
// its tasks were dispatched.
func (q *Queue) Remove(messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byMsgID[messageID]
	if !ok {
		return ErrNotQueued
	}
	heap.Remove(&q.tiers[t.tier], t.heapIdx)
	delete(q.byMsgID, messageID)
	return nil
}

// Len returns the number of queued tasks across all tiers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	n := 0
	for i := range q.tiers {
		n += q.tiers[i].Len()
	}
	return n
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Depth int `json:"depth"`
	High  int `json:"high"`
	Norm  int `json:"normal"`
	Low   int `json:"low"`
	// Ready counts tasks dispatchable right now.
	Ready int `json:"ready"`
}

// Snapshot returns depth counters per tier plus the ready count at now.
func (q *Queue) Snapshot(now time.Time) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		High: q.tiers[0].Len(),
		Norm: q.tiers[1].Len(),
		Low:  q.tiers[2].Len(),
	}
	s.Depth = s.High + s.Norm + s.Low
	for i := range q.tiers {
		for _, t := range q.tiers[i] {
			if !t.ScheduledAt.After(now) {
				s.Ready++
			}
		}
	}
	return s
}
