package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabroom/internal/metrics"
)

// Task is a background persistence job.
type Task func(ctx context.Context) error

type job struct {
	name string
	run  Task
}

// Pool runs persistence hooks off the room goroutines so a slow or failing
// store never delays collaboration traffic.
type Pool struct {
	queue   chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	log     *zap.Logger
}

func NewPool(size, queue int, timeout time.Duration, log *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = 1000
	}
	p := &Pool{
		queue:   make(chan job, queue),
		timeout: timeout,
		log:     log,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			metrics.RecordPersistFailure(j.name)
			p.log.Error("worker task panicked", zap.String("task", j.name), zap.Any("panic", rec))
		}
	}()
	if err := j.run(ctx); err != nil {
		metrics.RecordPersistFailure(j.name)
		p.log.Error("worker task failed", zap.String("task", j.name), zap.Error(err))
	}
}

// Submit queues t without blocking. It reports false when the pool is
// shutting down or the queue is full; the task is dropped in both cases.
func (p *Pool) Submit(name string, t Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn("task submitted during shutdown, dropping", zap.String("task", name))
		return false
	}
	select {
	case p.queue <- job{name: name, run: t}:
		return true
	default:
		metrics.RecordPersistFailure(name)
		p.log.Warn("task queue full, dropping", zap.String("task", name))
		return false
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
