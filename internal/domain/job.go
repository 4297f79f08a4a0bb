package domain

import "time"

// Priority is one of the two admission bands the broker honors.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Queue names. Coordinators of every stage share the compilation queue so
// any machine running a compilation worker can complete orchestration. The
// high-priority band is not a separate queue name: Reserve honors it by
// checking each listed queue's high-priority list before its normal one
// (see broker.queueKey).
const (
	QueueFetch       = "fetch"
	QueueOCR         = "ocr"
	QueueCompilation = "compilation"
	QueueExtraction  = "extraction"
	QueueDeploy      = "deploy"
)

// JobStatus is the lifecycle state of a Job record as tracked by the broker.
type JobStatus string

const (
	JobEnqueued JobStatus = "enqueued"
	JobDeferred JobStatus = "deferred"
	JobStarted  JobStatus = "started"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
)

// Job is the broker's unit of dispatch (C1). Payload is a JSON-serializable
// blob interpreted by the stage operation that consumes the queue; the
// broker reads only its "site" key, which indexes the job for Purge.
type Job struct {
	ID          string          `json:"job_id"`
	Queue       string          `json:"queue"`
	Payload     map[string]any  `json:"payload"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Priority    Priority        `json:"priority"`
	Timeout     time.Duration   `json:"timeout"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
}

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	Priority    Priority
	DependsOn   []string
	Timeout     time.Duration
	MaxAttempts int
}

// Outcome is the terminal result a worker reports via Ack.
type Outcome struct {
	OK  bool
	Err error
}

func Done() Outcome          { return Outcome{OK: true} }
func Fail(err error) Outcome { return Outcome{OK: false, Err: err} }

// JobTrackingEntry is the observability/purge link row correlating a job id
// to the site and stage it belongs to. It is not a correctness input; the
// broker's own dependency/queue state is authoritative for scheduling.
type JobTrackingEntry struct {
	JobID     string    `json:"job_id"`
	Subdomain string    `json:"subdomain"`
	Stage     string    `json:"stage"`
	CreatedAt time.Time `json:"created_at"`
}

// FailedJobRecord is a retained entry in a queue's failed registry.
type FailedJobRecord struct {
	Job       Job       `json:"job"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}
