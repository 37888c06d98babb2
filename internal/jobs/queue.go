package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pictoria/pictoria/internal/config"
)

// Task types. Each stage consumes from its own queue, named after the
// stage, so worker concurrency is tuned per stage.
const (
	TaskLibraryScan    = "library.scan"
	TaskCollectionScan = "collection.scan"
	TaskThumbnail      = "thumbnail.generate"
	TaskCache          = "cache.generate"
	TaskBulkOperation  = "bulk.operation"
	TaskMetadata       = "image.process"
)

// QueueForTask maps a task type to its stage queue.
func QueueForTask(taskType string) string {
	switch taskType {
	case TaskLibraryScan:
		return config.StageLibraryScan
	case TaskCollectionScan:
		return config.StageCollectionScan
	case TaskThumbnail:
		return config.StageThumbnail
	case TaskCache:
		return config.StageCache
	case TaskBulkOperation:
		return config.StageBulk
	case TaskMetadata:
		return config.StageMetadata
	}
	return "default"
}

type Queue struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector

	queueNames  []string
	maxAttempts int
}

// NewQueue builds the redis-backed work queue. Per-stage concurrency maps
// to asynq queue weights; retry count and the exponential backoff curve
// come from the pipeline config.
func NewQueue(redisAddr string, concurrency map[string]int, pipe config.PipelineConfig) *Queue {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	total := 0
	queues := make(map[string]int, len(concurrency))
	names := make([]string, 0, len(concurrency))
	for stage, n := range concurrency {
		if n < 1 {
			n = 1
		}
		queues[stage] = n
		names = append(names, stage)
		total += n
	}
	if total == 0 {
		total = 4
		queues["default"] = 4
		names = append(names, "default")
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: total,
		Queues:      queues,
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			d := pipe.BackoffBase << n
			if d > pipe.BackoffMax || d <= 0 {
				d = pipe.BackoffMax
			}
			return d
		},
	})

	maxAttempts := pipe.QueueMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Queue{
		client:      asynq.NewClient(redisOpt),
		server:      server,
		mux:         asynq.NewServeMux(),
		inspector:   asynq.NewInspector(redisOpt),
		queueNames:  names,
		maxAttempts: maxAttempts,
	}
}

// isTaskConflict checks whether the error indicates a task ID conflict,
// using errors.Is for unwrapped sentinel values and a string fallback.
func isTaskConflict(err error) bool {
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "task ID conflicts") || strings.Contains(msg, "duplicate task")
}

// EnqueueUnique enqueues a task with a deterministic TaskID so the same
// logical work is never queued twice. A pending or active task with the
// same ID wins and the enqueue is silently skipped; a finished task
// lingering in redis is cleared first so the new one can go in.
func (q *Queue) EnqueueUnique(taskType string, payload interface{}, uniqueID string, opts ...asynq.Option) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	opts = append(opts, asynq.TaskID(uniqueID), asynq.Queue(QueueForTask(taskType)), asynq.MaxRetry(q.maxAttempts))
	task := asynq.NewTask(taskType, data, opts...)
	info, err := q.client.Enqueue(task)
	if err == nil {
		return info.ID, nil
	}
	if !isTaskConflict(err) {
		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}

	cleared := false
	for _, queueName := range q.queueNames {
		if delErr := q.inspector.DeleteTask(queueName, uniqueID); delErr == nil {
			cleared = true
			break
		}
	}
	if cleared {
		if info, err = q.client.Enqueue(task); err == nil {
			return info.ID, nil
		}
	}

	if isTaskConflict(err) {
		log.Printf("Queue: task %s (%s) already in flight, skipping", taskType, uniqueID)
		return uniqueID, nil
	}
	return "", fmt.Errorf("enqueue %s: %w", taskType, err)
}

// Enqueue queues a task without deduplication.
func (q *Queue) Enqueue(taskType string, payload interface{}, opts ...asynq.Option) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	opts = append(opts, asynq.Queue(QueueForTask(taskType)), asynq.MaxRetry(q.maxAttempts))
	info, err := q.client.Enqueue(asynq.NewTask(taskType, data, opts...))
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return info.ID, nil
}

// Depth returns the number of tasks waiting or running in a stage queue.
// Fan-out throttling watches this.
func (q *Queue) Depth(queueName string) (int, error) {
	info, err := q.inspector.GetQueueInfo(queueName)
	if err != nil {
		return 0, fmt.Errorf("queue info %s: %w", queueName, err)
	}
	return info.Pending + info.Active + info.Scheduled + info.Retry, nil
}

func (q *Queue) RegisterHandler(taskType string, handler asynq.Handler) {
	q.mux.Handle(taskType, handler)
}

func (q *Queue) Start(ctx context.Context) error {
	log.Println("Queue: workers starting")
	return q.server.Start(q.mux)
}

func (q *Queue) Stop() {
	q.server.Shutdown()
	q.client.Close()
	q.inspector.Close()
}

func (q *Queue) Client() *asynq.Client {
	return q.client
}
