// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/annolab/taskbridge/internal/dispatch"
)

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-s.ready:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	default:
		writeDetail(w, http.StatusServiceUnavailable, "First reconciliation pending")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results, healthy := s.healthMg.Run(r.Context())

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"label_studio": results["label_studio"],
		"redis":        results["redis"],
		"postgres":     results["postgres"],
		"project_id":   s.cfg.ProjectID,
	})
}

func (s *Server) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID int64 `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	a, err := s.disp.RequestTask(r.Context(), body.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if a == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"task_id": nil,
			"message": "No tasks available",
		})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	var body struct {
		AgentID       int64  `json:"agent_id"`
		Transcription string `json:"transcription"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	annotationID, err := s.disp.SubmitTranscription(r.Context(), taskID, body.AgentID, body.Transcription)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "success",
		"annotation_id": annotationID,
	})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	var body struct {
		AgentID int64  `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.disp.SkipTask(r.Context(), taskID, body.AgentID, body.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Task skipped and released",
	})
}

func (s *Server) handleAvailableCount(w http.ResponseWriter, _ *http.Request) {
	c := s.disp.Counters()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"available":       c.Available,
		"total_unlabeled": c.TotalUnlabeled,
		"total_locked":    c.TotalLocked,
	})
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	st, err := s.disp.StatsFor(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		dispatch.SystemStats
		UptimeSeconds float64 `json:"uptime_seconds"`
	}{
		SystemStats:   s.disp.SystemStats(r.Context()),
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	agentID, ok := pathID(w, r, "agentID")
	if !ok {
		return
	}
	s.streamer.ServeTask(w, r, taskID, agentID)
}

// pathID parses a positive int64 URL parameter, answering 400 on garbage.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeDetail(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}
