package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/canontab/canontab/internal/domain"
	"github.com/canontab/canontab/internal/logger"
)

// MemoryQueue runs stage handlers on in-process worker pools. Jobs survive
// only as long as the process; the durable path is the NATS backend.
type MemoryQueue struct {
	log         logger.Logger
	concurrency map[domain.Stage]int
	maxAttempts int
	retryBase   time.Duration

	mu       sync.Mutex
	handlers map[domain.Stage]Handler
	pending  map[string]struct{}
	chans    map[domain.Stage]chan Job
	onFail   FailureHandler
	started  bool
	closed   bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// MemoryConfig sizes the in-process worker pools.
type MemoryConfig struct {
	Concurrency map[domain.Stage]int
	MaxAttempts int
	RetryBase   time.Duration
}

const defaultBuffer = 1024

// NewMemoryQueue creates an in-process queue. Stages missing from the
// concurrency map get a single worker.
func NewMemoryQueue(log logger.Logger, cfg MemoryConfig) *MemoryQueue {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &MemoryQueue{
		log:         log,
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		handlers:    make(map[domain.Stage]Handler),
		pending:     make(map[string]struct{}),
		chans:       make(map[domain.Stage]chan Job),
	}
}

func (q *MemoryQueue) Register(stage domain.Stage, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[stage] = handler
}

func (q *MemoryQueue) OnFailure(handler FailureHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFail = handler
}

// Start spins up the worker pools. Register all handlers first.
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("memory queue already started")
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for stage, handler := range q.handlers {
		workers := q.concurrency[stage]
		if workers < 1 {
			workers = 1
		}
		ch := make(chan Job, defaultBuffer)
		q.chans[stage] = ch
		for i := 0; i < workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx, stage, handler, ch)
		}
	}
	q.started = true
	return nil
}

func (q *MemoryQueue) Enqueue(ctx context.Context, stage domain.Stage, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("memory queue closed")
	}
	ch, ok := q.chans[stage]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("no handler registered for stage %s", stage)
	}
	if _, dup := q.pending[job.ID]; dup {
		q.mu.Unlock()
		q.log.Debug("dropping duplicate job", "stage", stage, "job", job.ID)
		return nil
	}
	q.pending[job.ID] = struct{}{}
	q.mu.Unlock()

	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		q.forget(job.ID)
		return ctx.Err()
	}
}

func (q *MemoryQueue) worker(ctx context.Context, stage domain.Stage, handler Handler, ch chan Job) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-ch:
			q.process(ctx, stage, handler, job)
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, stage domain.Stage, handler Handler, job Job) {
	defer q.forget(job.ID)

	backoff := retry.WithMaxRetries(uint64(q.maxAttempts-1), retry.NewExponential(q.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := handler(ctx, job); err != nil {
			q.log.Warn("stage attempt failed", "stage", stage, "job", job.ID, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		q.log.Error("stage exhausted retries", "stage", stage, "job", job.ID, "error", err)
		q.mu.Lock()
		onFail := q.onFail
		q.mu.Unlock()
		if onFail != nil {
			onFail(ctx, stage, job, err)
		}
	}
}

func (q *MemoryQueue) forget(jobID string) {
	q.mu.Lock()
	delete(q.pending, jobID)
	q.mu.Unlock()
}

// Close stops the workers. In-flight handlers see a cancelled context.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	return nil
}
