package core

import (
	"context"
	"log/slog"
	"time"
)

// EventKind tells run transitions apart from task instance transitions.
type EventKind string

const (
	EventRun  EventKind = "run"
	EventTask EventKind = "task"
)

// Event is a single state transition.
type Event struct {
	Kind     EventKind
	Workflow string
	RunID    string
	TaskID   string
	From     string
	To       string
	Attempt  int
	Error    string
	At       time.Time
}

// EventSink receives state transitions. Emit must not block the caller for long.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiSink fans an event out to every sink.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// LogSink writes transitions to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, ev Event) {
	attrs := []any{"workflow", ev.Workflow, "run_id", ev.RunID, "from", ev.From, "to", ev.To}
	if ev.Kind == EventTask {
		attrs = append(attrs, "task_id", ev.TaskID, "attempt", ev.Attempt)
	}
	if ev.Error != "" {
		attrs = append(attrs, "err", ev.Error)
		s.Logger.WarnContext(ctx, string(ev.Kind)+" transition", attrs...)
		return
	}
	s.Logger.InfoContext(ctx, string(ev.Kind)+" transition", attrs...)
}
