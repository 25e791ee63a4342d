package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cronflow/internal/core"
	"cronflow/internal/service"
)

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// writeServiceError maps domain errors onto status codes. Anything
// unrecognised is logged and reported as an internal error.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var defErr *core.DefinitionError
	switch {
	case errors.As(err, &defErr):
		writeError(w, http.StatusUnprocessableEntity, "invalid_definition", err.Error())
	case errors.Is(err, core.ErrInvalidSchedule):
		writeError(w, http.StatusUnprocessableEntity, "invalid_schedule", err.Error())
	case errors.Is(err, core.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "not_found", "workflow not found")
	case errors.Is(err, core.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "not_found", "run not found")
	case errors.Is(err, core.ErrUnknownTask), errors.Is(err, service.ErrNoAttempt):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrSchedulerStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Error(op, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

type taskInstanceResponse struct {
	TaskID        string  `json:"task_id"`
	State         string  `json:"state"`
	Attempts      int     `json:"attempts"`
	LastError     *string `json:"last_error,omitempty"`
	NextAttemptAt *string `json:"next_attempt_at,omitempty"`
	StartedAt     *string `json:"started_at,omitempty"`
	EndedAt       *string `json:"ended_at,omitempty"`
}

type runResponse struct {
	ID          string                 `json:"id"`
	Workflow    string                 `json:"workflow"`
	LogicalTime string                 `json:"logical_time"`
	State       string                 `json:"state"`
	External    bool                   `json:"external"`
	CreatedAt   string                 `json:"created_at"`
	StartedAt   *string                `json:"started_at,omitempty"`
	EndedAt     *string                `json:"ended_at,omitempty"`
	Tasks       []taskInstanceResponse `json:"tasks,omitempty"`
}

func runToResponse(run *core.Run) runResponse {
	return runResponse{
		ID:          run.ID,
		Workflow:    run.Workflow,
		LogicalTime: run.LogicalTime.UTC().Format(time.RFC3339),
		State:       string(run.State),
		External:    run.External,
		CreatedAt:   run.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:   formatTimePtr(run.StartedAt),
		EndedAt:     formatTimePtr(run.EndedAt),
	}
}

func snapshotToResponse(snap core.RunSnapshot) runResponse {
	resp := runToResponse(&snap.Run)
	resp.Tasks = make([]taskInstanceResponse, 0, len(snap.Instances))
	for _, ti := range snap.Instances {
		resp.Tasks = append(resp.Tasks, taskInstanceResponse{
			TaskID:        ti.TaskID,
			State:         string(ti.State),
			Attempts:      ti.Attempts,
			LastError:     ti.LastError,
			NextAttemptAt: formatTimePtr(ti.NextAttemptAt),
			StartedAt:     formatTimePtr(ti.StartedAt),
			EndedAt:       formatTimePtr(ti.EndedAt),
		})
	}
	return resp
}

type workflowResponse struct {
	service.WorkflowManifest
	LastEvaluatedAt *string `json:"last_evaluated_at,omitempty"`
	NextFireAt      *string `json:"next_fire_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func workflowToResponse(def *core.WorkflowDefinition, next *time.Time) workflowResponse {
	return workflowResponse{
		WorkflowManifest: service.ManifestFor(def),
		LastEvaluatedAt:  formatTimePtr(def.LastEvaluatedAt),
		NextFireAt:       formatTimePtr(next),
		CreatedAt:        def.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        def.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
