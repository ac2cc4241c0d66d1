package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrPoolStopped   = errors.New("Executor pool is not running")
	ErrQueueFull     = errors.New("Executor queue is full")
	ErrAlreadyClosed = errors.New("Already stopped")
)

const (
	// DefaultPoolSize runs one update at a time
	DefaultPoolSize = 1
	queueSize       = 64
)

// Job is a unit of work for the pool, Program is used to
// identify the job in diagnostics
type Job struct {
	Program  string
	Executor Executor
}

// Pool runs queued jobs on a fixed number of goroutines
type Pool struct {
	logger logrus.FieldLogger

	runningMu sync.Mutex
	running   bool
	wg        sync.WaitGroup

	// ctx is handed to every executor and cancelled if Stop gives up waiting
	ctx    context.Context
	cancel context.CancelFunc

	size int
	jobs chan Job
}

func NewPool(logger logrus.FieldLogger, size int) *Pool {
	if size < 1 {
		size = DefaultPoolSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		size:   size,
		jobs:   make(chan Job, queueSize),
	}
}

// Start launches the workers, it does not block
func (pool *Pool) Start() {
	pool.runningMu.Lock()
	defer pool.runningMu.Unlock()

	if pool.running {
		return
	}
	pool.running = true

	pool.wg.Add(pool.size)
	for i := 0; i < pool.size; i++ {
		go func() {
			defer pool.wg.Done()

			for job := range pool.jobs {
				pool.execute(job)
			}
		}()
	}
}

func (pool *Pool) execute(job Job) {
	logger := pool.logger.WithField("program", job.Program)

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Executor panicked")
		}
	}()

	if err := job.Executor.Execute(pool.ctx); err != nil {
		logger.WithError(err).Error("Execution failed")
	}
}

// Enqueue adds the job to the queue without blocking
func (pool *Pool) Enqueue(job Job) error {
	pool.runningMu.Lock()
	defer pool.runningMu.Unlock()

	if !pool.running {
		return ErrPoolStopped
	}

	select {
	case pool.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops accepting jobs and waits for queued and running jobs to finish.
// If ctx is done first the running executors are cancelled and ctx.Err() is returned.
func (pool *Pool) Stop(ctx context.Context) error {
	pool.runningMu.Lock()
	if !pool.running {
		pool.runningMu.Unlock()
		return ErrAlreadyClosed
	}
	pool.running = false
	close(pool.jobs)
	pool.runningMu.Unlock()

	if err := ctx.Err(); err != nil {
		pool.cancel()
		return err
	}

	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		pool.cancel()
		return ctx.Err()
	case <-done:
		pool.cancel()
		return nil
	}
}
