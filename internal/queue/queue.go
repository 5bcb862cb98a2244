// Package queue delivers control commands to the process that owns a
// session through a durable queue. Callers fall back to running the command
// in-process whenever Enqueue reports the queue unusable.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricochet1k/wamesh/internal/circuit"
	"github.com/ricochet1k/wamesh/internal/domain"
	"github.com/ricochet1k/wamesh/internal/metrics"
)

const (
	awaitPollInterval = 500 * time.Millisecond
	awaitTimeout      = 30 * time.Second

	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second

	luaArgumentsSignature = "Lua redis() command arguments must be strings or integers"
)

var ErrAwaitTimeout = errors.New("timed out waiting for job")

type JobFailedError struct {
	Job    string
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.Job, e.Reason)
}

// Result reports an enqueue attempt. LuaIncompatible is only set when the
// backend's scripting support is too old for the queue.
type Result struct {
	OK              bool
	LuaIncompatible bool
	JobID           string
}

// IsLuaIncompatible matches the errors a Redis-compatible server returns when
// it cannot run the queue's scripts.
func IsLuaIncompatible(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, strings.ToLower(luaArgumentsSignature)) ||
		strings.Contains(msg, "msgpack")
}

type Config struct {
	Backend Backend
	Breaker *circuit.Breaker
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type Queue struct {
	backend Backend
	breaker *circuit.Breaker
	metrics *metrics.Metrics
	log     zerolog.Logger

	pollInterval time.Duration
	awaitTimeout time.Duration
}

func New(cfg Config) *Queue {
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuit.NewBreaker(defaultBreakerThreshold, defaultBreakerCooldown)
	}
	return &Queue{
		backend:      cfg.Backend,
		breaker:      breaker,
		metrics:      cfg.Metrics,
		log:          cfg.Logger.With().Str("component", "queue").Logger(),
		pollInterval: awaitPollInterval,
		awaitTimeout: awaitTimeout,
	}
}

// Enqueue tries to store job durably. It never returns an error: a false OK
// tells the caller to run the command itself.
func (q *Queue) Enqueue(ctx context.Context, job CommandJob) Result {
	if q.backend == nil {
		q.metrics.Enqueue(job.Queue, "fallback")
		return Result{}
	}
	if !q.breaker.Allow() {
		q.metrics.Enqueue(job.Queue, "fallback")
		return Result{}
	}

	payload, err := job.encode()
	if err != nil {
		q.log.Error().Err(err).Str("job", job.Name).Msg("encode job")
		q.metrics.Enqueue(job.Queue, "fallback")
		return Result{}
	}

	id, err := q.backend.Enqueue(ctx, job.Queue, job.Name, payload)
	if err != nil {
		opened := q.breaker.RecordFailure()
		log := q.log.With().
			Str("queue", job.Queue).
			Str("job", job.Name).
			Str("session_id", job.SessionID).
			Logger()

		if IsLuaIncompatible(err) {
			log.Warn().Err(err).Msg("queue backend lacks script support, running in-process")
			q.metrics.Enqueue(job.Queue, "lua_incompatible")
			return Result{LuaIncompatible: true}
		}

		log.Warn().Err(err).Msg("enqueue failed, running in-process")
		if opened {
			log.Warn().Dur("cooldown", q.breaker.CooldownRemaining()).Msg("queue backend marked unavailable")
		}
		q.metrics.Enqueue(job.Queue, "fallback")
		return Result{}
	}

	q.breaker.RecordSuccess()
	q.metrics.Enqueue(job.Queue, "ok")
	return Result{OK: true, JobID: id}
}

// EnqueueAndAwait enqueues job and polls until it settles. A job that could
// not be enqueued returns an error wrapping domain.ErrUnavailable so the
// caller can run it in-process instead.
func (q *Queue) EnqueueAndAwait(ctx context.Context, job CommandJob) ([]byte, error) {
	res := q.Enqueue(ctx, job)
	if !res.OK {
		return nil, fmt.Errorf("enqueue %s: %w", job.Name, domain.ErrUnavailable)
	}

	deadline := time.NewTimer(q.awaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w %s (%s)", ErrAwaitTimeout, job.Name, res.JobID)
		case <-ticker.C:
			status, err := q.backend.Status(ctx, job.Queue, res.JobID)
			if err != nil {
				q.log.Debug().Err(err).Str("job_id", res.JobID).Msg("poll job state")
				continue
			}
			switch status.State {
			case JobCompleted:
				return status.Result, nil
			case JobFailed:
				return nil, &JobFailedError{Job: job.Name, Reason: status.Reason}
			}
		}
	}
}

func (q *Queue) Close() error {
	if q.backend == nil {
		return nil
	}
	return q.backend.Close()
}
