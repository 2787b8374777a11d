package concurrency

import (
	"fmt"
	"time"

	"intent_keeper/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig configures a named worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // Submit returns an error instead of blocking when the queue is full
}

// WorkerPool wraps alitto/pond behind the small surface the engine
// needs: fire-and-forget Submit for event handlers and SubmitBatch for
// sweeps that must finish before the caller proceeds.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	scoped := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			scoped.Error("Worker panic recovered", "panic", p)
		}),
	)

	return &WorkerPool{pool: pool, config: cfg, logger: scoped}
}

// Submit schedules task on the pool. With NonBlocking set it fails
// instead of blocking when the queue is full.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool %q is full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// SubmitBatch runs every task on the pool and waits for all of them.
// Used by the protective-order sweep, where each intent is independent.
func (wp *WorkerPool) SubmitBatch(tasks []func()) {
	group := wp.pool.Group()
	for _, task := range tasks {
		group.Submit(task)
	}
	group.Wait()
}

// Stop drains queued tasks and shuts the pool down.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
