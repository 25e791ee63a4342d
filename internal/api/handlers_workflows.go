package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"cronflow/internal/core"
	"cronflow/internal/service"

	"github.com/go-chi/chi/v5"
)

type triggerRunRequest struct {
	LogicalTime string `json:"logical_time,omitempty"`
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var manifest service.WorkflowManifest
	if err := json.NewDecoder(r.Body).Decode(&manifest); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	status := http.StatusCreated
	if name := chi.URLParam(r, "name"); name != "" {
		if manifest.Name == "" {
			manifest.Name = name
		}
		if manifest.Name != name {
			writeError(w, http.StatusBadRequest, "invalid_input", "name in body does not match the URL")
			return
		}
		status = http.StatusOK
	}

	def, err := manifest.Definition()
	if err != nil {
		s.writeServiceError(w, r, "register workflow", err)
		return
	}
	stored, err := s.svc.RegisterWorkflow(r.Context(), def)
	if err != nil {
		s.writeServiceError(w, r, "register workflow", err)
		return
	}
	_, next, _ := s.svc.GetWorkflow(stored.Name)
	writeJSON(w, status, workflowToResponse(stored, next))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := s.svc.ListWorkflows()
	resp := make([]workflowResponse, 0, len(defs))
	for _, def := range defs {
		_, next, _ := s.svc.GetWorkflow(def.Name)
		resp = append(resp, workflowToResponse(def, next))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, next, err := s.svc.GetWorkflow(chi.URLParam(r, "name"))
	if err != nil {
		s.writeServiceError(w, r, "get workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, workflowToResponse(def, next))
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteWorkflow(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeServiceError(w, r, "delete workflow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetPaused(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := s.svc.SetPaused(r.Context(), chi.URLParam(r, "name"), paused)
		if err != nil {
			s.writeServiceError(w, r, "update workflow", err)
			return
		}
		_, next, _ := s.svc.GetWorkflow(def.Name)
		writeJSON(w, http.StatusOK, workflowToResponse(def, next))
	}
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	var logical time.Time
	if req.LogicalTime != "" {
		parsed, err := time.Parse(time.RFC3339, req.LogicalTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "logical_time must be RFC3339")
			return
		}
		logical = parsed
	}

	run, err := s.svc.TriggerRun(r.Context(), chi.URLParam(r, "name"), logical)
	if err != nil {
		s.writeServiceError(w, r, "trigger run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, runToResponse(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := core.RunFilter{
		Workflow: chi.URLParam(r, "name"),
		Limit:    parseIntDefault(query.Get("limit"), 20),
		Offset:   parseIntDefault(query.Get("offset"), 0),
	}
	if filter.Workflow == "" {
		filter.Workflow = strings.TrimSpace(query.Get("workflow"))
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if raw := strings.TrimSpace(query.Get("state")); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			state := core.RunState(strings.TrimSpace(st))
			switch state {
			case core.RunStateQueued, core.RunStateRunning, core.RunStateSucceeded, core.RunStateFailed, core.RunStateCancelled:
				filter.States = append(filter.States, state)
			default:
				writeError(w, http.StatusBadRequest, "invalid_input", "unknown run state "+string(state))
				return
			}
		}
	}

	runs, err := s.svc.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, "list runs", err)
		return
	}
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}
