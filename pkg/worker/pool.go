// Package worker provides a bounded pool for fire-and-forget background
// tasks. Failures are observable only through logs and metrics, never
// through the protocol path that submitted the task.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is one unit of detached background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool runs tasks on a fixed number of goroutines with a bounded queue.
// Submit never blocks: when the queue is full the task is dropped and
// counted.
type Pool struct {
	logger  *zap.Logger
	queue   chan Task
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex // guards queue close vs submit
	running bool

	submitted uint64
	dropped   uint64
	failed    uint64
}

// Config configures a worker pool.
type Config struct {
	Workers   int // default 8
	QueueSize int // default 1024
}

// NewPool creates a worker pool. Start must be called before Submit
// delivers any work.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:  logger,
		queue:   make(chan Task, cfg.QueueSize),
		workers: cfg.Workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already running")
	}
	p.running = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	p.logger.Info("Worker pool started",
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cap(p.queue)),
	)
	return nil
}

// Stop drains queued tasks and waits for in-flight work to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	p.logger.Info("Worker pool stopped",
		zap.Uint64("submitted", atomic.LoadUint64(&p.submitted)),
		zap.Uint64("dropped", atomic.LoadUint64(&p.dropped)),
		zap.Uint64("failed", atomic.LoadUint64(&p.failed)),
	)
}

// Submit enqueues a task. It returns false when the pool is stopped or
// the queue is full; the task is dropped in both cases.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		atomic.AddUint64(&p.dropped, 1)
		return false
	}
	select {
	case p.queue <- task:
		atomic.AddUint64(&p.submitted, 1)
		return true
	default:
		atomic.AddUint64(&p.dropped, 1)
		p.logger.Warn("Worker queue full, task dropped", zap.String("task", task.Name))
		return false
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.queue {
		p.execute(task)
	}
}

func (p *Pool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.failed, 1)
			p.logger.Error("Background task panicked",
				zap.String("task", task.Name),
				zap.Any("panic", r),
			)
		}
	}()
	if err := task.Run(p.ctx); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Background task failed",
			zap.String("task", task.Name),
			zap.Error(err),
		)
	}
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		QueueDepth: len(p.queue),
		Submitted:  atomic.LoadUint64(&p.submitted),
		Dropped:    atomic.LoadUint64(&p.dropped),
		Failed:     atomic.LoadUint64(&p.failed),
	}
}

// Stats holds pool counters.
type Stats struct {
	QueueDepth int    `json:"queue_depth"`
	Submitted  uint64 `json:"submitted"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
}
