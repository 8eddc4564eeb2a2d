package domain

import "time"

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobStalled   JobState = "stalled"
)

// ResearchTaskPayload is the durable job body. Metadata travels verbatim
// into the session the worker creates or reuses.
type ResearchTaskPayload struct {
	ProblemStatement string         `json:"problemStatement"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// SessionID returns the pre-created session id when the enqueuer pinned
// one via metadata; retries of the same job then reuse that session
// instead of creating a new one.
func (p ResearchTaskPayload) SessionID() string {
	if p.Metadata == nil {
		return ""
	}
	if v, ok := p.Metadata["sessionId"].(string); ok {
		return v
	}
	return ""
}

// Job is the queue-side view of one unit of work.
type Job struct {
	ID           string
	State        JobState
	Payload      ResearchTaskPayload
	Progress     int
	AttemptsMade int
	MaxAttempts  int
	StalledCount int
	FailedReason string
	Result       string // JSON document, set on completion
	CreatedAt    time.Time
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
}

// Queue (port)

type Queue interface {
	EnqueueResearch(ctx Context, payload ResearchTaskPayload) (string, error)
	Job(ctx Context, id string) (Job, error)
}

// SessionEvent is published on session lifecycle edges when an event sink
// is configured; delivery is best-effort.
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	JobID     string    `json:"jobId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

const (
	EventSessionCompleted = "session.completed"
	EventSessionFailed    = "session.failed"
	EventJobFailed        = "job.failed"
)

type EventPublisher interface {
	Publish(ctx Context, ev SessionEvent) error
}
