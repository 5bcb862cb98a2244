package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/ricochet1k/wamesh/internal/metrics"
)

const (
	baseRetryDelay      = time.Second
	maxRetryDelay       = 5 * time.Minute
	workerShutdownGrace = 10 * time.Second
)

// Handler executes one command. The returned bytes are stored as the job
// result for EnqueueAndAwait callers. Returning an error hands the job back
// to the queue's retry policy.
type Handler func(ctx context.Context, job CommandJob) ([]byte, error)

// Dispatcher routes tasks to handlers by job name.
type Dispatcher struct {
	handlers map[string]Handler
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

var _ asynq.Handler = (*Dispatcher)(nil)

func NewDispatcher(handlers map[string]Handler, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: handlers,
		metrics:  m,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

func (d *Dispatcher) ProcessTask(ctx context.Context, task *asynq.Task) error {
	name := task.Type()
	handler, ok := d.handlers[name]
	if !ok {
		return fmt.Errorf("no handler for job %q: %w", name, asynq.SkipRetry)
	}

	job, err := decodeJob(task.Payload())
	if err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", name, err, asynq.SkipRetry)
	}
	if job.Name == "" {
		job.Name = name
	}
	if job.Queue == "" {
		job.Queue, _ = asynq.GetQueueName(ctx)
	}

	result, err := handler(ctx, job)
	if err != nil {
		d.metrics.JobProcessed(job.Queue, name, "error")
		return err
	}
	d.metrics.JobProcessed(job.Queue, name, "ok")

	if len(result) > 0 {
		if w := task.ResultWriter(); w != nil {
			if _, err := w.Write(result); err != nil {
				d.log.Warn().Err(err).Str("job", name).Str("session_id", job.SessionID).Msg("store job result")
			}
		}
	}
	return nil
}

// Permanent marks err as one a retry cannot fix. The job fails on this
// attempt and its reason starts with err's message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, asynq.SkipRetry)
}

// retryDelay doubles from one second per retry.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 16 {
		return maxRetryDelay
	}
	return min(baseRetryDelay<<n, maxRetryDelay)
}

// Workers consumes every configured queue, one asynq server per queue so
// each keeps its own concurrency.
type Workers struct {
	servers []*asynq.Server
	log     zerolog.Logger
}

func StartWorkers(opt asynq.RedisConnOpt, specs []WorkerSpec, handlers map[string]Handler, m *metrics.Metrics, log zerolog.Logger) (*Workers, error) {
	log = log.With().Str("component", "workers").Logger()
	dispatcher := NewDispatcher(handlers, m, log)
	w := &Workers{log: log}

	for _, spec := range specs {
		srv := asynq.NewServer(opt, asynq.Config{
			Concurrency:     max(spec.Concurrency, 1),
			Queues:          map[string]int{spec.Queue: 1},
			RetryDelayFunc:  retryDelay,
			ErrorHandler:    asynq.ErrorHandlerFunc(failureLogger(log)),
			Logger:          newAsynqLogger(log.With().Str("queue", spec.Queue).Logger()),
			LogLevel:        asynq.WarnLevel,
			ShutdownTimeout: workerShutdownGrace,
		})
		if err := srv.Start(dispatcher); err != nil {
			w.Shutdown()
			return nil, fmt.Errorf("start worker for %s: %w", spec.Queue, err)
		}
		w.servers = append(w.servers, srv)
		log.Info().Str("queue", spec.Queue).Int("concurrency", spec.Concurrency).Msg("worker started")
	}
	return w, nil
}

// Shutdown stops fetching new jobs and waits for active ones up to the
// shutdown grace.
func (w *Workers) Shutdown() {
	for _, srv := range w.servers {
		srv.Shutdown()
	}
	w.servers = nil
}

// failureLogger reports each failed attempt and calls out the final one.
func failureLogger(log zerolog.Logger) func(ctx context.Context, task *asynq.Task, err error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		queueName, _ := asynq.GetQueueName(ctx)

		ev := log.Warn()
		msg := "job attempt failed"
		if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
			ev = log.Error()
			msg = "job failed permanently"
		}
		ev.Err(err).
			Str("queue", queueName).
			Str("job", task.Type()).
			Int("attempt", retried+1).
			Int("max_attempts", maxRetry+1).
			Msg(msg)
	}
}
