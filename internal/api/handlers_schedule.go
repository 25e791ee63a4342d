package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type schedulePreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type schedulePreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req schedulePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, schedulePreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, schedulePreviewResponse{Valid: false, Message: "schedule expression is required"})
		return
	}

	var base time.Time
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed
		}
	}
	times, err := s.svc.PreviewSchedule(expr, base, req.Count)
	if err != nil {
		writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: true, NextTimes: formatted})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.svc.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
