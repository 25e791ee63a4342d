package core

import (
	"time"
)

// RunState describes the lifecycle state of a workflow run.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

// TaskState describes the state of a single task instance within a run.
type TaskState string

const (
	TaskStatePending        TaskState = "pending"
	TaskStateReady          TaskState = "ready"
	TaskStateRunning        TaskState = "running"
	TaskStateSucceeded      TaskState = "succeeded"
	TaskStateFailed         TaskState = "failed"
	TaskStateUpstreamFailed TaskState = "upstream_failed"
	TaskStateSkipped        TaskState = "skipped"
	TaskStateUpForRetry     TaskState = "up_for_retry"
	TaskStateCancelled      TaskState = "cancelled"
)

// Terminal reports whether the instance will not change state again.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateUpstreamFailed, TaskStateSkipped, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// Started reports whether the instance has been dispatched at least once.
func (s TaskState) Started() bool {
	switch s {
	case TaskStateRunning, TaskStateSucceeded, TaskStateFailed, TaskStateUpForRetry:
		return true
	default:
		return false
	}
}

// BackoffKind selects how retry delays grow between attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// TaskDefinition is one node of a workflow graph.
type TaskDefinition struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	Command string            `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Secrets maps an environment variable name to a secret reference.
	Secrets map[string]string `json:"secrets,omitempty"`

	Retries       int           `json:"retries"`
	RetryDelay    time.Duration `json:"retry_delay"`
	RetryBackoff  BackoffKind   `json:"retry_backoff,omitempty"`
	MaxRetryDelay time.Duration `json:"max_retry_delay,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`

	AllowSkippedUpstream bool `json:"allow_skipped_upstream,omitempty"`
	ContinueOnFailure    bool `json:"continue_on_failure,omitempty"`
}

// Edge orders two tasks: To runs only after From.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WorkflowDefinition is the immutable template runs are materialized from.
type WorkflowDefinition struct {
	Name          string           `json:"name"`
	Tasks         []TaskDefinition `json:"tasks"`
	Edges         []Edge           `json:"edges"`
	Schedule      string           `json:"schedule"`
	StartAt       time.Time        `json:"start_at"`
	EndAt         *time.Time       `json:"end_at,omitempty"`
	CatchUp       bool             `json:"catch_up"`
	MaxActiveRuns int              `json:"max_active_runs,omitempty"`
	FailFast      bool             `json:"fail_fast,omitempty"`
	Paused        bool             `json:"paused,omitempty"`

	LastEvaluatedAt *time.Time `json:"-"`
	CreatedAt       time.Time  `json:"-"`
	UpdatedAt       time.Time  `json:"-"`
}

// Task returns the definition of the task with the given id.
func (d *WorkflowDefinition) Task(id string) (*TaskDefinition, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// Run is one instantiation of a workflow for a logical timestamp.
type Run struct {
	ID          string
	Workflow    string
	LogicalTime time.Time
	State       RunState
	External    bool
	CreatedAt   time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
}

// TaskInstance is the execution of one TaskDefinition within one Run.
type TaskInstance struct {
	RunID         string
	TaskID        string
	State         TaskState
	Attempts      int
	LastError     *string
	NextAttemptAt *time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	UpdatedAt     time.Time
}

// TaskDescriptor is what an Executor receives for a single attempt.
type TaskDescriptor struct {
	Workflow    string
	RunID       string
	TaskID      string
	LogicalTime time.Time
	Attempt     int
	Kind        string
	Command     string
	Env         map[string]string
	Timeout     time.Duration
}

// OutcomeStatus is the result class reported by an executor.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomeTimeout OutcomeStatus = "timeout"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is the result of one task attempt.
type Outcome struct {
	Status OutcomeStatus
	Err    error
}

// Succeeded returns a successful outcome.
func Succeeded() Outcome { return Outcome{Status: OutcomeSuccess} }

// Failed returns a failed outcome carrying err.
func Failed(err error) Outcome { return Outcome{Status: OutcomeFailure, Err: err} }

// Skipped returns an outcome that marks the task as skipped.
func Skipped() Outcome { return Outcome{Status: OutcomeSkipped} }
