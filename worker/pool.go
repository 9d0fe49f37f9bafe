// Package worker provides a small bounded worker pool used to take slow
// side effects, such as publishing security alerts, off the request path.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gatekeeper.evalgo.org/common"
)

// ErrQueueFull is returned by Submit when the buffer is full.
var ErrQueueFull = errors.New("worker queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool stopped")

// ProcessFunc handles one job. Errors are logged, jobs are not retried.
type ProcessFunc[T any] func(ctx context.Context, job T) error

// Config configures the worker pool
type Config struct {
	Name       string
	Workers    int
	BufferSize int
	// JobTimeout bounds each ProcessFunc call (0 = no timeout).
	JobTimeout time.Duration
}

// DefaultConfig returns the default worker configuration
func DefaultConfig() Config {
	return Config{
		Name:       "worker",
		Workers:    1,
		BufferSize: 100,
		JobTimeout: 5 * time.Second,
	}
}

// Pool runs ProcessFunc on submitted jobs with a fixed number of workers.
type Pool[T any] struct {
	cfg     Config
	process ProcessFunc[T]
	log     *common.ContextLogger

	jobs    chan T
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates and starts a pool. logger may be nil.
func NewPool[T any](cfg Config, process ProcessFunc[T], logger *logrus.Logger) *Pool[T] {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	p := &Pool[T]{
		cfg:     cfg,
		process: process,
		log:     common.ComponentLogger(logger, "worker").WithField("pool", cfg.Name),
		jobs:    make(chan T, cfg.BufferSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.log.WithField("workers", cfg.Workers).Debug("worker pool started")
	return p
}

// Submit queues job without blocking.
func (p *Pool[T]) Submit(job T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new jobs, drains the queue and waits for the workers.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Debug("worker pool stopped")
}

// Close is Stop for use with io.Closer style cleanup.
func (p *Pool[T]) Close() error {
	p.Stop()
	return nil
}

func (p *Pool[T]) run(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.handle(id, job)
	}
}

func (p *Pool[T]) handle(id int, job T) {
	ctx := context.Background()
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("worker", id).WithField("panic", r).Error("job panicked")
		}
	}()

	if err := p.process(ctx, job); err != nil {
		p.log.WithField("worker", id).WithError(err).Error("job failed")
	}
}
