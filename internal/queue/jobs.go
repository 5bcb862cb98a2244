package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue names. Each queue has its own worker concurrency.
const (
	QueueSessions = "wa-sessions"
	QueueCleanup  = "wa-cleanup"
	QueueSync     = "wa-sync"
)

// Job names, dispatched to handlers by name.
const (
	JobEnsure     = "ensure"
	JobRestart    = "restart"
	JobDisconnect = "disconnect"
	JobRelease    = "release"
	JobSync       = "sync"
)

var jobQueues = map[string]string{
	JobEnsure:     QueueSessions,
	JobRestart:    QueueSessions,
	JobDisconnect: QueueCleanup,
	JobRelease:    QueueCleanup,
	JobSync:       QueueSync,
}

// QueueFor returns the queue a job is routed to.
func QueueFor(jobName string) (string, bool) {
	q, ok := jobQueues[jobName]
	return q, ok
}

// CommandJob is the payload of every control command.
type CommandJob struct {
	Queue      string    `json:"queue"`
	Name       string    `json:"name"`
	SessionID  string    `json:"session_id"`
	CompanyID  string    `json:"company_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewCommand builds a job for jobName on its configured queue.
func NewCommand(jobName, sessionID, companyID string) (CommandJob, error) {
	q, ok := QueueFor(jobName)
	if !ok {
		return CommandJob{}, fmt.Errorf("unknown job %q", jobName)
	}
	return CommandJob{
		Queue:      q,
		Name:       jobName,
		SessionID:  sessionID,
		CompanyID:  companyID,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

func (j CommandJob) encode() ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(payload []byte) (CommandJob, error) {
	var job CommandJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return CommandJob{}, err
	}
	return job, nil
}

// WorkerSpec sets the concurrency of one queue's worker.
type WorkerSpec struct {
	Queue       string
	Concurrency int
}

// DefaultWorkerSpecs keeps the launch queue narrow and cleanup wide.
func DefaultWorkerSpecs(sessions, cleanup, sync int) []WorkerSpec {
	return []WorkerSpec{
		{Queue: QueueSessions, Concurrency: max(sessions, 1)},
		{Queue: QueueCleanup, Concurrency: max(cleanup, 1)},
		{Queue: QueueSync, Concurrency: max(sync, 1)},
	}
}
