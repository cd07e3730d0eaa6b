package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/canontab/canontab/internal/domain"
)

// SyncQueue runs handlers inline on Enqueue, with no retries. Tests and dev
// mode use it to drive the whole pipeline deterministically on one goroutine.
type SyncQueue struct {
	mu       sync.Mutex
	handlers map[domain.Stage]Handler
	onFail   FailureHandler
}

// NewSyncQueue creates a synchronous queue.
func NewSyncQueue() *SyncQueue {
	return &SyncQueue{handlers: make(map[domain.Stage]Handler)}
}

func (q *SyncQueue) Register(stage domain.Stage, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[stage] = handler
}

func (q *SyncQueue) OnFailure(handler FailureHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFail = handler
}

func (q *SyncQueue) Start(ctx context.Context) error { return nil }

// Enqueue executes the stage handler before returning. Handler errors are
// routed to the failure handler, matching the async backends.
func (q *SyncQueue) Enqueue(ctx context.Context, stage domain.Stage, job Job) error {
	q.mu.Lock()
	handler, ok := q.handlers[stage]
	onFail := q.onFail
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler registered for stage %s", stage)
	}
	if err := handler(ctx, job); err != nil {
		if onFail != nil {
			onFail(ctx, stage, job, err)
		}
	}
	return nil
}

func (q *SyncQueue) Close() error { return nil }
