package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeServiceError(w, r, "load run", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotToResponse(snap))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.svc.CancelRun(r.Context(), runID); err != nil {
		s.writeServiceError(w, r, "cancel run", err)
		return
	}
	snap, err := s.svc.GetRun(r.Context(), runID)
	if err != nil {
		s.writeServiceError(w, r, "load run", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotToResponse(snap))
}

// handleTaskLog serves the log of one task attempt. With follow=1 it streams
// new output until the attempt ends.
func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	taskID := chi.URLParam(r, "taskID")
	query := r.URL.Query()
	attempt := parseIntDefault(query.Get("attempt"), 0)
	tail := parseIntDefault(query.Get("tail"), 0)
	follow := strings.EqualFold(query.Get("follow"), "1") || strings.EqualFold(query.Get("follow"), "true")

	logPath, snap, err := s.svc.TaskLogPath(r.Context(), runID, taskID, attempt)
	if err != nil {
		s.writeServiceError(w, r, "locate log", err)
		return
	}
	if attempt <= 0 {
		for _, ti := range snap.Instances {
			if ti.TaskID == taskID {
				attempt = ti.Attempts
			}
		}
	}

	file, err := os.Open(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
		} else {
			s.logger.Error("open log", "run_id", runID, "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	defer file.Close()

	data, err := readTailLines(file, tail)
	if err != nil {
		s.logger.Error("read log", "run_id", runID, "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}
	if !follow {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(data)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if len(data) > 0 {
		_, _ = w.Write(data)
		if data[len(data)-1] != '\n' {
			_, _ = w.Write([]byte("\n"))
		}
	}
	flusher.Flush()

	offset, _ := file.Seek(0, io.SeekEnd)
	ticker := time.NewTicker(s.logPoll)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			pos, err := file.Seek(0, io.SeekEnd)
			if err != nil {
				return
			}
			if pos > offset {
				buf := make([]byte, pos-offset)
				if _, err := file.ReadAt(buf, offset); err == nil {
					_, _ = w.Write(buf)
					flusher.Flush()
				}
				offset = pos
			}
			if s.attemptFinished(r, runID, taskID, attempt) {
				return
			}
		}
	}
}

// attemptFinished reports whether no more output can be written for the
// attempt: the run ended or the task moved past it.
func (s *Server) attemptFinished(r *http.Request, runID, taskID string, attempt int) bool {
	snap, err := s.svc.GetRun(r.Context(), runID)
	if err != nil {
		return true
	}
	if snap.Run.State.Terminal() {
		return true
	}
	for _, ti := range snap.Instances {
		if ti.TaskID == taskID {
			return ti.Attempts > attempt || ti.State.Terminal()
		}
	}
	return true
}

func readTailLines(file *os.File, tail int) ([]byte, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		return data, nil
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}
