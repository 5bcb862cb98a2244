package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetention   = 10 * time.Minute
)

type JobState int

const (
	JobPending JobState = iota
	JobActive
	JobCompleted
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobActive:
		return "active"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobStatus is a point-in-time view of an enqueued job. Result is set once
// completed, Reason once failed.
type JobStatus struct {
	State  JobState
	Result []byte
	Reason string
}

// Backend is the durable queue the commands travel through.
type Backend interface {
	Enqueue(ctx context.Context, queue, jobName string, payload []byte) (string, error)
	Status(ctx context.Context, queue, jobID string) (JobStatus, error)
	Close() error
}

type AsynqConfig struct {
	MaxAttempts int
	Retention   time.Duration
}

// AsynqBackend stores jobs in Redis through asynq.
type AsynqBackend struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
	retention time.Duration
}

var _ Backend = (*AsynqBackend)(nil)

func NewAsynqBackend(opt asynq.RedisConnOpt, cfg AsynqConfig) *AsynqBackend {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &AsynqBackend{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		maxRetry:  attempts - 1,
		retention: retention,
	}
}

func (b *AsynqBackend) Enqueue(ctx context.Context, queue, jobName string, payload []byte) (string, error) {
	task := asynq.NewTask(jobName, payload,
		asynq.MaxRetry(b.maxRetry),
		asynq.Retention(b.retention),
	)
	info, err := b.client.EnqueueContext(ctx, task, asynq.Queue(queue))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (b *AsynqBackend) Status(_ context.Context, queue, jobID string) (JobStatus, error) {
	info, err := b.inspector.GetTaskInfo(queue, jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("inspect job %s: %w", jobID, err)
	}
	return statusFromInfo(info), nil
}

func (b *AsynqBackend) Close() error {
	return errors.Join(b.client.Close(), b.inspector.Close())
}

func statusFromInfo(info *asynq.TaskInfo) JobStatus {
	switch info.State {
	case asynq.TaskStateCompleted:
		return JobStatus{State: JobCompleted, Result: info.Result}
	case asynq.TaskStateArchived:
		return JobStatus{State: JobFailed, Reason: info.LastErr}
	case asynq.TaskStateActive:
		return JobStatus{State: JobActive}
	default:
		return JobStatus{State: JobPending}
	}
}
