package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrCycle             = errors.New("cycle detected")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidSchedule   = errors.New("invalid schedule")

	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// DefinitionError rejects a workflow at registration time.
type DefinitionError struct {
	Kind error
	Msg  string
}

func (e *DefinitionError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *DefinitionError) Unwrap() error { return e.Kind }

func definitionErrorf(kind error, format string, args ...any) error {
	return &DefinitionError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	return &DefinitionError{Kind: ErrCycle, Msg: strings.Join(path, " -> ")}
}

// ScheduleError reports a malformed schedule expression.
type ScheduleError struct {
	Expr string
	Err  error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %v", e.Expr, e.Err)
}

func (e *ScheduleError) Unwrap() []error { return []error{ErrInvalidSchedule, e.Err} }

// ExecutionFailure describes a failed task attempt.
type ExecutionFailure struct {
	TaskID  string
	Attempt int
	Timeout bool
	Err     error
}

func (e *ExecutionFailure) Error() string {
	if e.Timeout {
		return fmt.Sprintf("task %s attempt %d timed out", e.TaskID, e.Attempt)
	}
	return fmt.Sprintf("task %s attempt %d failed: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// SchedulerFault wraps an infrastructure error hit by the control loop.
type SchedulerFault struct {
	Op  string
	Err error
}

func (e *SchedulerFault) Error() string {
	return fmt.Sprintf("scheduler fault during %s: %v", e.Op, e.Err)
}

func (e *SchedulerFault) Unwrap() error { return e.Err }
