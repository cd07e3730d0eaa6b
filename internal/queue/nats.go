package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/canontab/canontab/internal/domain"
	"github.com/canontab/canontab/internal/logger"
)

// NatsQueue delivers stage jobs over JetStream work-queue streams, one
// stream per stage. Publishing sets the job ID as Nats-Msg-Id so the broker
// deduplicates retried enqueues.
type NatsQueue struct {
	log         logger.Logger
	conn        *nats.Conn
	js          jetstream.JetStream
	concurrency map[domain.Stage]int
	maxAttempts int
	retryBase   time.Duration

	mu        sync.Mutex
	handlers  map[domain.Stage]Handler
	onFail    FailureHandler
	consumers []jetstream.ConsumeContext
	started   bool
}

// NatsConfig configures the JetStream backend.
type NatsConfig struct {
	URL         string
	Concurrency map[domain.Stage]int
	MaxAttempts int
	RetryBase   time.Duration
}

// NewNatsQueue connects to the broker and prepares a JetStream context.
func NewNatsQueue(log logger.Logger, cfg NatsConfig) (*NatsQueue, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("canontab"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &NatsQueue{
		log:         log,
		conn:        conn,
		js:          js,
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		handlers:    make(map[domain.Stage]Handler),
	}, nil
}

func streamName(stage domain.Stage) string {
	return "CANONTAB_" + strings.ToUpper(string(stage))
}

func subjectName(stage domain.Stage) string {
	return "canontab.jobs." + string(stage)
}

func (q *NatsQueue) Register(stage domain.Stage, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[stage] = handler
}

func (q *NatsQueue) OnFailure(handler FailureHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFail = handler
}

// Start provisions one work-queue stream and one durable consumer per
// registered stage, then begins consuming.
func (q *NatsQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("nats queue already started")
	}
	for stage, handler := range q.handlers {
		if err := q.startStage(ctx, stage, handler); err != nil {
			return err
		}
	}
	q.started = true
	return nil
}

func (q *NatsQueue) startStage(ctx context.Context, stage domain.Stage, handler Handler) error {
	stream, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(stage),
		Subjects:  []string{subjectName(stage)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream for stage %s: %w", stage, err)
	}

	workers := q.concurrency[stage]
	if workers < 1 {
		workers = 1
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "canontab-" + string(stage),
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    q.maxAttempts,
		MaxAckPending: workers,
		BackOff:       q.backoffSchedule(),
	})
	if err != nil {
		return fmt.Errorf("create consumer for stage %s: %w", stage, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, stage, handler, msg)
	})
	if err != nil {
		return fmt.Errorf("consume stage %s: %w", stage, err)
	}
	q.consumers = append(q.consumers, cc)
	return nil
}

// backoffSchedule mirrors the exponential delays the in-process backend
// uses between redeliveries.
func (q *NatsQueue) backoffSchedule() []time.Duration {
	if q.maxAttempts < 2 {
		return nil
	}
	delays := make([]time.Duration, 0, q.maxAttempts-1)
	d := q.retryBase
	for i := 0; i < q.maxAttempts-1; i++ {
		delays = append(delays, d)
		d *= 2
	}
	return delays
}

func (q *NatsQueue) handle(ctx context.Context, stage domain.Stage, handler Handler, msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.log.Error("dropping undecodable job", "stage", stage, "error", err)
		_ = msg.Term()
		return
	}

	if err := handler(ctx, job); err != nil {
		meta, metaErr := msg.Metadata()
		if metaErr == nil && meta.NumDelivered >= uint64(q.maxAttempts) {
			q.log.Error("stage exhausted retries", "stage", stage, "job", job.ID, "error", err)
			q.mu.Lock()
			onFail := q.onFail
			q.mu.Unlock()
			if onFail != nil {
				onFail(ctx, stage, job, err)
			}
			_ = msg.Ack()
			return
		}
		q.log.Warn("stage attempt failed", "stage", stage, "job", job.ID, "error", err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

func (q *NatsQueue) Enqueue(ctx context.Context, stage domain.Stage, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	_, err = q.js.Publish(ctx, subjectName(stage), data, jetstream.WithMsgID(job.ID))
	if err != nil {
		return fmt.Errorf("publish job %s to stage %s: %w", job.ID, stage, err)
	}
	return nil
}

func (q *NatsQueue) Close() error {
	q.mu.Lock()
	consumers := q.consumers
	q.consumers = nil
	q.mu.Unlock()

	for _, cc := range consumers {
		cc.Stop()
	}
	q.conn.Close()
	return nil
}
