package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/arbiterhealth/arbiter/internal/audit"
	"github.com/arbiterhealth/arbiter/internal/cases"
	"github.com/arbiterhealth/arbiter/internal/run"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]interface{}{
			"run_store":            "ok",
			"queue":                "ok",
			"audit_log":            "ok",
			"audit_write_failures": s.auditLog.WriteFailures(),
		}
		if s.cases == nil {
			components["case_service"] = "disabled"
		} else {
			components["case_service"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

type reviewRequest struct {
	CaseNumber string `json:"case_number"`
}

func (s *Server) handleReviewCreate(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.CaseNumber == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "case_number is required")
		return
	}

	if s.cases != nil {
		if _, err := s.cases.Summary(r.Context(), req.CaseNumber); err != nil {
			if errors.Is(err, cases.ErrCaseNotFound) {
				writeError(w, http.StatusNotFound, "case_not_found", "no such case: "+req.CaseNumber)
				return
			}
			log.Error().Err(err).Str("case_number", req.CaseNumber).Msg("case_lookup_error")
			writeError(w, http.StatusBadGateway, "case_service_unavailable", err.Error())
			return
		}
	}

	rn, err := s.runs.Create(r.Context(), req.CaseNumber)
	if err != nil {
		log.Error().Err(err).Str("case_number", req.CaseNumber).Msg("run_create_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	job, err := s.jobs.Enqueue(r.Context(), rn.ID, rn.CaseNumber)
	if err != nil {
		log.Error().Err(err).Str("run_id", rn.ID).Msg("enqueue_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	s.auditLog.Record(r.Context(), &audit.Entry{
		CaseNumber: rn.CaseNumber,
		RunID:      rn.ID,
		Event:      audit.EventRunEnqueued,
		ActorType:  "human",
		ActorID:    r.Header.Get("X-Arbiter-Principal"),
		Detail:     map[string]interface{}{"job_id": job.ID},
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": rn.ID,
		"status": string(rn.Status),
	})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rn, err := s.runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run_not_found", "no such run: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	turns, err := s.runs.Turns(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	var promptTokens, completionTokens int
	for _, t := range turns {
		promptTokens += t.PromptTokens
		completionTokens += t.CompletionTokens
	}

	resp := map[string]interface{}{
		"run_id":      rn.ID,
		"case_number": rn.CaseNumber,
		"status":      rn.Status,
		"turn_count":  rn.TurnCount,
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
		},
		"created_at": rn.CreatedAt,
	}
	if rn.Model != "" {
		resp["model"] = rn.Model
		resp["prompt_version"] = rn.PromptVersion
	}
	if rn.StartedAt != nil {
		resp["started_at"] = rn.StartedAt
	}
	if rn.CompletedAt != nil {
		resp["completed_at"] = rn.CompletedAt
	}
	if rn.Determination != nil {
		resp["determination"] = rn.Determination
	}
	if rn.FailureReason != "" {
		resp["failure_reason"] = rn.FailureReason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.runs.RequestCancel(r.Context(), id)
	switch {
	case errors.Is(err, run.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run_not_found", "no such run: "+id)
		return
	case errors.Is(err, run.ErrRunTerminal):
		writeError(w, http.StatusConflict, "run_terminal", "run already finished")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	rn, err := s.runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.auditLog.Record(r.Context(), &audit.Entry{
		CaseNumber: rn.CaseNumber,
		RunID:      rn.ID,
		Event:      audit.EventCancelRequested,
		ActorType:  "human",
		ActorID:    r.Header.Get("X-Arbiter-Principal"),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": id,
		"status": string(rn.Status),
	})
}

func (s *Server) handleCaseAudit(w http.ResponseWriter, r *http.Request) {
	caseNumber := chi.URLParam(r, "case_number")
	entries, err := s.auditLog.ForCase(r.Context(), caseNumber)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		if err := audit.ExportJSON(w, entries); err != nil {
			log.Error().Err(err).Str("case_number", caseNumber).Msg("audit_export_error")
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-`+caseNumber+`.csv"`)
		if err := audit.ExportCSV(w, entries); err != nil {
			log.Error().Err(err).Str("case_number", caseNumber).Msg("audit_export_error")
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "format must be json or csv")
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
