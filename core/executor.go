package core

import (
	"runtime"
	"sync"
	"sync/atomic"

	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// DirectExecutor runs tasks on the calling goroutine.
type DirectExecutor struct{}

func (DirectExecutor) Execute(task func()) error {
	task()
	return nil
}

// WorkerPool runs tasks on a fixed set of goroutines fed by a queue. A bounded
// pool rejects tasks once its queue is full; an unbounded pool parks them in
// an overflow list that is fed back into the queue as workers free slots.
// It is safe for concurrent use.
type WorkerPool struct {
	name      string
	workers   int
	unbounded bool

	jobQueue chan func()
	wg       sync.WaitGroup
	once     sync.Once
	shutdown chan struct{}

	mu      sync.RWMutex
	stopped bool

	overflowMu sync.Mutex
	overflow   []func()

	// Atomic counters for lightweight internal metrics.
	executed atomic.Int64
	rejected atomic.Int64
}

// NewWorkerPool creates a pool. workers <= 0 uses runtime.NumCPU(); queueSize
// <= 0 uses 256. Workers start on the first Execute or an explicit Start.
func NewWorkerPool(name string, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &WorkerPool{
		name:     name,
		workers:  workers,
		jobQueue: make(chan func(), queueSize),
		shutdown: make(chan struct{}),
	}
}

// NewUnboundedWorkerPool creates a pool that never rejects a task before Stop.
// bufferSize sizes the channel queue; tasks beyond it wait in FIFO order.
func NewUnboundedWorkerPool(name string, workers, bufferSize int) *WorkerPool {
	p := NewWorkerPool(name, workers, bufferSize)
	p.unbounded = true
	return p
}

// Name returns the pool's name.
func (p *WorkerPool) Name() string { return p.name }

// Start launches the workers. It is idempotent.
func (p *WorkerPool) Start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Stop shuts down all workers and waits for running tasks to return. Queued
// tasks that have not started are discarded.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.shutdown)
	p.mu.Unlock()
	p.wg.Wait()
}

// Execute enqueues task. It returns ErrWorkerPoolStopped after Stop and, for
// a bounded pool, ErrWorkerPoolFull if the queue is full.
func (p *WorkerPool) Execute(task func()) error {
	p.Start()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return apperrors.New(apperrors.CategoryPipeline, p.name+".execute", apperrors.ErrWorkerPoolStopped)
	}
	if p.unbounded {
		p.enqueue(task)
		return nil
	}
	select {
	case p.jobQueue <- task:
		return nil
	default:
		p.rejected.Add(1)
		return apperrors.New(apperrors.CategoryPipeline, p.name+".execute", apperrors.ErrWorkerPoolFull)
	}
}

// Executed returns the number of tasks run so far.
func (p *WorkerPool) Executed() int64 { return p.executed.Load() }

// Rejected returns the number of tasks refused because the queue was full.
func (p *WorkerPool) Rejected() int64 { return p.rejected.Load() }

// Pending returns the number of queued tasks.
func (p *WorkerPool) Pending() int {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	return len(p.jobQueue) + len(p.overflow)
}

// ── worker pool internals ──────────────────────────────────────────────────────

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdown:
			return
		case task := <-p.jobQueue:
			if p.unbounded {
				p.refill()
			}
			task()
			p.executed.Add(1)
		}
	}
}

// enqueue adds task behind any overflow so tasks keep their submission order.
func (p *WorkerPool) enqueue(task func()) {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	if len(p.overflow) == 0 {
		select {
		case p.jobQueue <- task:
			return
		default:
		}
	}
	p.overflow = append(p.overflow, task)
}

// refill moves overflow tasks into the queue while it has room.
func (p *WorkerPool) refill() {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	for n := range p.overflow {
		select {
		case p.jobQueue <- p.overflow[n]:
			p.overflow[n] = nil
		default:
			p.overflow = p.overflow[n:]
			return
		}
	}
	p.overflow = nil
}
