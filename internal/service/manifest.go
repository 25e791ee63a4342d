package service

import (
	"fmt"
	"strings"
	"time"

	"cronflow/internal/core"
)

// TaskManifest is the wire form of a task. Durations are Go duration strings.
type TaskManifest struct {
	ID                   string            `json:"id"`
	Kind                 string            `json:"kind,omitempty"`
	Command              string            `json:"command,omitempty"`
	Env                  map[string]string `json:"env,omitempty"`
	Secrets              map[string]string `json:"secrets,omitempty"`
	DependsOn            []string          `json:"depends_on,omitempty"`
	Retries              int               `json:"retries,omitempty"`
	RetryDelay           string            `json:"retry_delay,omitempty"`
	RetryBackoff         string            `json:"retry_backoff,omitempty"`
	MaxRetryDelay        string            `json:"max_retry_delay,omitempty"`
	Timeout              string            `json:"timeout,omitempty"`
	AllowSkippedUpstream bool              `json:"allow_skipped_upstream,omitempty"`
	ContinueOnFailure    bool              `json:"continue_on_failure,omitempty"`
}

// WorkflowManifest is the wire form of a workflow definition. Edges may be
// given on the tasks as depends_on, in the edges list, or both.
type WorkflowManifest struct {
	Name          string         `json:"name"`
	Schedule      string         `json:"schedule"`
	StartAt       string         `json:"start_at,omitempty"`
	EndAt         string         `json:"end_at,omitempty"`
	CatchUp       bool           `json:"catch_up"`
	MaxActiveRuns int            `json:"max_active_runs,omitempty"`
	FailFast      bool           `json:"fail_fast,omitempty"`
	Paused        bool           `json:"paused,omitempty"`
	Tasks         []TaskManifest `json:"tasks"`
	Edges         []core.Edge    `json:"edges,omitempty"`
}

// Definition converts the manifest. Structural checks are left to the
// registry; only field syntax is validated here.
func (m *WorkflowManifest) Definition() (*core.WorkflowDefinition, error) {
	def := &core.WorkflowDefinition{
		Name:          strings.TrimSpace(m.Name),
		Schedule:      strings.TrimSpace(m.Schedule),
		CatchUp:       m.CatchUp,
		MaxActiveRuns: m.MaxActiveRuns,
		FailFast:      m.FailFast,
		Paused:        m.Paused,
	}
	if m.StartAt != "" {
		t, err := time.Parse(time.RFC3339, m.StartAt)
		if err != nil {
			return nil, invalidField("start_at", err)
		}
		def.StartAt = t.UTC()
	}
	if m.EndAt != "" {
		t, err := time.Parse(time.RFC3339, m.EndAt)
		if err != nil {
			return nil, invalidField("end_at", err)
		}
		t = t.UTC()
		def.EndAt = &t
	}
	for _, tm := range m.Tasks {
		task, err := tm.definition()
		if err != nil {
			return nil, err
		}
		def.Tasks = append(def.Tasks, task)
		for _, dep := range tm.DependsOn {
			def.Edges = append(def.Edges, core.Edge{From: dep, To: tm.ID})
		}
	}
	def.Edges = append(def.Edges, m.Edges...)
	return def, nil
}

func (tm *TaskManifest) definition() (core.TaskDefinition, error) {
	task := core.TaskDefinition{
		ID:                   strings.TrimSpace(tm.ID),
		Kind:                 tm.Kind,
		Command:              strings.TrimSpace(tm.Command),
		Env:                  tm.Env,
		Secrets:              tm.Secrets,
		Retries:              tm.Retries,
		RetryBackoff:         core.BackoffKind(tm.RetryBackoff),
		AllowSkippedUpstream: tm.AllowSkippedUpstream,
		ContinueOnFailure:    tm.ContinueOnFailure,
	}
	if task.Kind == "" {
		task.Kind = core.KindEmpty
		if task.Command != "" {
			task.Kind = core.KindCommand
		}
	}
	var err error
	if task.RetryDelay, err = parseDuration(tm.RetryDelay); err != nil {
		return task, invalidField(tm.ID+".retry_delay", err)
	}
	if task.MaxRetryDelay, err = parseDuration(tm.MaxRetryDelay); err != nil {
		return task, invalidField(tm.ID+".max_retry_delay", err)
	}
	if task.Timeout, err = parseDuration(tm.Timeout); err != nil {
		return task, invalidField(tm.ID+".timeout", err)
	}
	return task, nil
}

// ManifestFor renders a definition in wire form.
func ManifestFor(def *core.WorkflowDefinition) WorkflowManifest {
	m := WorkflowManifest{
		Name:          def.Name,
		Schedule:      def.Schedule,
		StartAt:       def.StartAt.UTC().Format(time.RFC3339),
		CatchUp:       def.CatchUp,
		MaxActiveRuns: def.MaxActiveRuns,
		FailFast:      def.FailFast,
		Paused:        def.Paused,
	}
	if def.EndAt != nil {
		m.EndAt = def.EndAt.UTC().Format(time.RFC3339)
	}
	deps := make(map[string][]string)
	for _, e := range def.Edges {
		deps[e.To] = append(deps[e.To], e.From)
	}
	for _, t := range def.Tasks {
		m.Tasks = append(m.Tasks, TaskManifest{
			ID:                   t.ID,
			Kind:                 t.Kind,
			Command:              t.Command,
			Env:                  t.Env,
			Secrets:              t.Secrets,
			DependsOn:            deps[t.ID],
			Retries:              t.Retries,
			RetryDelay:           formatDuration(t.RetryDelay),
			RetryBackoff:         string(t.RetryBackoff),
			MaxRetryDelay:        formatDuration(t.MaxRetryDelay),
			Timeout:              formatDuration(t.Timeout),
			AllowSkippedUpstream: t.AllowSkippedUpstream,
			ContinueOnFailure:    t.ContinueOnFailure,
		})
	}
	return m
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func invalidField(field string, err error) error {
	return &core.DefinitionError{Kind: core.ErrInvalidDefinition, Msg: fmt.Sprintf("%s: %v", field, err)}
}
