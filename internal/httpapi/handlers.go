package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
)

type startRequest struct {
	PipelineType     string `json:"pipeline_type"`
	DirectExecution  bool   `json:"direct_execution"`
	ProcessAllItems  bool   `json:"process_all_items"`
}

type startResponse struct {
	Success        bool   `json:"success"`
	HistoryID      int64  `json:"historyId,omitempty"`
	ItemsProcessed int64  `json:"itemsProcessed,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pipelineType, ok := parsePipelineType(req.PipelineType)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown pipeline_type")
		return
	}

	if req.DirectExecution {
		items, err := s.scheduler.RunDirectSync(r.Context(), pipelineType, req.ProcessAllItems)
		if err != nil {
			if err == jobstore.ErrAlreadyRunning {
				writeJSON(w, http.StatusConflict, startResponse{Success: false, Error: "already_running"})
				return
			}
			writeJSON(w, http.StatusOK, startResponse{Success: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, startResponse{Success: true, ItemsProcessed: items})
		return
	}

	historyID, err := s.scheduler.TriggerDirect(r.Context(), pipelineType, req.ProcessAllItems)
	if err != nil {
		if err == jobstore.ErrAlreadyRunning {
			writeJSON(w, http.StatusConflict, startResponse{Success: false, Error: "already_running"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, startResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Success: true, HistoryID: historyID})
}

type stopRequest struct {
	PipelineType string `json:"pipeline_type"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pipelineType, ok := parsePipelineType(req.PipelineType)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown pipeline_type")
		return
	}
	if !s.scheduler.CancelRunning(pipelineType) {
		writeJSON(w, http.StatusOK, response{Success: false, Message: "not running"})
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "stop signalled"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pipelineType, ok := parsePipelineType(req.PipelineType)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown pipeline_type")
		return
	}
	s.scheduler.CancelRunning(pipelineType)

	historyID, err := s.scheduler.TriggerDirect(r.Context(), pipelineType, req.ProcessAllItems)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, startResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Success: true, HistoryID: historyID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.jobs.GetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if filter := r.URL.Query().Get("pipeline_type"); filter != "" {
		pipelineType, ok := parsePipelineType(filter)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown pipeline_type")
			return
		}
		for _, st := range statuses {
			if st.Type == pipelineType {
				writeJSON(w, http.StatusOK, st)
				return
			}
		}
		writeError(w, http.StatusNotFound, "no status recorded for type")
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("pipeline_type")
	pipelineType, ok := parsePipelineType(filter)
	if !ok {
		writeError(w, http.StatusBadRequest, "pipeline_type is required and must be valid")
		return
	}
	limit := parseLimit(r, 50)
	rows, err := s.jobs.GetHistory(r.Context(), pipelineType, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	rows, err := s.jobs.ListSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type scheduleRequest struct {
	PipelineType string `json:"pipeline_type"`
	Expression   string `json:"cron_expression"`
	Timezone     string `json:"timezone"`
	IsActive     bool   `json:"is_active"`
	Params       string `json:"params"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pipelineType, ok := parsePipelineType(req.PipelineType)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown pipeline_type")
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if req.Params == "" {
		req.Params = "{}"
	}
	id, err := s.jobs.CreateSchedule(r.Context(), entity.PipelineSchedule{
		Type: pipelineType, Expression: req.Expression, Timezone: req.Timezone,
		IsActive: req.IsActive, Params: req.Params,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": id})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	existing, err := s.jobs.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Expression != "" {
		existing.Expression = req.Expression
	}
	if req.Timezone != "" {
		existing.Timezone = req.Timezone
	}
	if req.Params != "" {
		existing.Params = req.Params
	}
	existing.IsActive = req.IsActive

	if err := s.jobs.UpdateSchedule(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	if err := s.jobs.DeleteSchedule(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	sched, err := s.jobs.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	historyID, err := s.scheduler.TriggerDirect(r.Context(), sched.Type, false)
	if err != nil {
		if err == jobstore.ErrAlreadyRunning {
			writeJSON(w, http.StatusConflict, startResponse{Success: false, Error: "already_running"})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = s.jobs.MarkRan(r.Context(), id, time.Now().UTC())
	writeJSON(w, http.StatusOK, startResponse{Success: true, HistoryID: historyID})
}

func parseID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
