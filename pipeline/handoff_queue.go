package pipeline

import (
	"container/heap"
	"sync"

	"github.com/Skryldev/image-pipeline/core"
)

// HandoffEntry is a task waiting in a HandoffQueue.
type HandoffEntry struct {
	run      func()
	priority core.Priority
	seq      uint64
	index    int // position in the heap, -1 once dequeued or removed
}

// HandoffQueue orders pending tasks by priority, then by insertion order, and
// runs them on an executor. At most concurrency drain tasks are submitted at a
// time; each pops and runs the best entry until the queue is empty or paused,
// so a higher-priority entry added later overtakes entries still waiting and
// a long backlog never needs more than concurrency executor slots.
type HandoffQueue struct {
	executor    core.Executor
	concurrency int

	mu        sync.Mutex
	entries   entryHeap
	seq       uint64
	queueing  bool
	draining  int
	processed int64
}

// NewHandoffQueue creates a queue dispatching onto executor with up to
// concurrency entries running at once. concurrency <= 0 uses 1.
func NewHandoffQueue(executor core.Executor, concurrency int) *HandoffQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &HandoffQueue{executor: executor, concurrency: concurrency}
}

// Add enqueues run with priority. It fails only when the executor refuses a
// drain task and no other drain task is left to pick the entry up, in which
// case nothing is enqueued.
func (q *HandoffQueue) Add(run func(), priority core.Priority) (*HandoffEntry, error) {
	q.mu.Lock()
	q.seq++
	e := &HandoffEntry{run: run, priority: priority, seq: q.seq}
	heap.Push(&q.entries, e)
	start := q.reserveDrainers(1)
	q.mu.Unlock()

	if start == 0 {
		return e, nil
	}
	if err := q.executor.Execute(q.drain); err != nil {
		if q.releaseDrainer() && q.Remove(e) {
			return nil, err
		}
	}
	return e, nil
}

// Remove drops e if it has not started. It reports whether e was removed.
func (q *HandoffQueue) Remove(e *HandoffEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e == nil || e.index < 0 {
		return false
	}
	heap.Remove(&q.entries, e.index)
	return true
}

// UpdatePriority repositions e if it is still waiting. Entries keep their
// insertion order among equal priorities.
func (q *HandoffQueue) UpdatePriority(e *HandoffEntry, priority core.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e == nil || e.index < 0 {
		return false
	}
	e.priority = priority
	heap.Fix(&q.entries, e.index)
	return true
}

// StartQueueing holds back entries until StopQueueing is called. Entries
// already running finish.
func (q *HandoffQueue) StartQueueing() {
	q.mu.Lock()
	q.queueing = true
	q.mu.Unlock()
}

// StopQueueing resumes dispatching held entries.
func (q *HandoffQueue) StopQueueing() {
	q.mu.Lock()
	q.queueing = false
	n := q.reserveDrainers(q.entries.Len())
	q.mu.Unlock()
	for i := 0; i < n; i++ {
		if err := q.executor.Execute(q.drain); err != nil {
			for ; i < n; i++ {
				q.releaseDrainer()
			}
			return
		}
	}
}

// IsQueueing reports whether dispatch is paused.
func (q *HandoffQueue) IsQueueing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queueing
}

// Len returns the number of waiting entries.
func (q *HandoffQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Processed returns the number of entries that have been run.
func (q *HandoffQueue) Processed() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed
}

// reserveDrainers counts up to want new drain tasks against the concurrency
// limit and returns how many the caller must submit. q.mu must be held.
func (q *HandoffQueue) reserveDrainers(want int) int {
	if q.queueing {
		return 0
	}
	n := q.concurrency - q.draining
	if want < n {
		n = want
	}
	if n < 0 {
		n = 0
	}
	q.draining += n
	return n
}

// releaseDrainer undoes a reservation whose drain task was refused. It
// reports whether no drain task is left running.
func (q *HandoffQueue) releaseDrainer() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.draining--
	return q.draining == 0
}

// drain runs the best waiting entry until none is left or the queue is
// paused.
func (q *HandoffQueue) drain() {
	for {
		q.mu.Lock()
		if q.queueing || q.entries.Len() == 0 {
			q.draining--
			q.mu.Unlock()
			return
		}
		e := heap.Pop(&q.entries).(*HandoffEntry)
		q.processed++
		q.mu.Unlock()
		e.run()
	}
}

// ── Heap ──────────────────────────────────────────────────────────────────────

type entryHeap []*HandoffEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*HandoffEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
