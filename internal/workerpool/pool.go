package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue. The
// frame pipeline uses it for CPU-bound stages (color conversion, tile
// hashing, software encoding) so those never run on protocol goroutines.
type Pool struct {
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		stopChan:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Info("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Context returns a context that is cancelled when the pool drains.
// Long-running tasks should watch it to exit early on shutdown.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit enqueues a task. Returns false if the pool is stopped or the queue is full.
// wg.Add is called here (before enqueue) to prevent a race with Drain.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done() // undo the Add since task was not enqueued
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// RunParallel splits n independent slices of work across the pool and
// blocks until all complete. fn(i) is called once for each i in [0, n).
// Slices rejected by a full queue run inline on the caller so the result
// is always complete. Used to fan out per-row-band color conversion.
func (p *Pool) RunParallel(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if n == 1 {
		fn(0)
		return
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		task := func() {
			defer wg.Done()
			fn(i)
		}
		if !p.Submit(task) {
			// Inline fallback keeps the band from being silently skipped.
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error("inline task panicked", "panic", r, "stack", string(debug.Stack()))
					}
				}()
				task()
			}()
		}
	}
	wg.Wait()
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for all in-flight and queued tasks to complete, respecting
// the context deadline. Safe to call without StopAccepting; submissions
// are stopped first. After Drain returns, the queue channel is closed so
// worker goroutines exit.
func (p *Pool) Drain(ctx context.Context) {
	p.accepting.Store(false)
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.cancel()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}

	// Close queue so worker goroutines exit and are not leaked
	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

// Shutdown is StopAccepting followed by Drain.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			// Drain remaining queued tasks
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
