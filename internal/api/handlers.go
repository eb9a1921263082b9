package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"campaignd/internal/campaign"
	"campaignd/internal/conflict"
	"campaignd/internal/dispatch"
	"campaignd/internal/store"
	"campaignd/internal/trigger"
	logx "campaignd/pkg/logx"
)

const maxBodyBytes = 1 << 20

type scheduleResponse struct {
	CampaignID string          `json:"campaign_id"`
	JobID      string          `json:"job_id"`
	Trigger    trigger.Trigger `json:"trigger"`
	Status     string          `json:"status"`
	NextFireAt *time.Time      `json:"next_fire_at,omitempty"`
	Armed      bool            `json:"armed,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func toScheduleResponse(e store.ScheduleEntry) scheduleResponse {
	return scheduleResponse{
		CampaignID: e.CampaignID,
		JobID:      e.JobID,
		Trigger:    e.Trigger,
		Status:     string(e.Status),
		NextFireAt: e.NextFireAt,
		Armed:      e.Armed,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

type executionResponse struct {
	ID            string         `json:"id"`
	CampaignID    string         `json:"campaign_id"`
	TriggeredBy   string         `json:"triggered_by"`
	Status        string         `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	ResultSummary map[string]any `json:"result_summary,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

func toExecutionResponse(e store.Execution) executionResponse {
	return executionResponse{
		ID:            e.ID,
		CampaignID:    e.CampaignID,
		TriggeredBy:   string(e.TriggeredBy),
		Status:        string(e.Status),
		AttemptCount:  e.AttemptCount,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		ResultSummary: e.ResultSummary,
		ErrorMessage:  e.ErrorMessage,
	}
}

type validationIssue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return b, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleValidateTrigger dry-runs trigger validation. It always answers 200
// with a verdict; 400 is reserved for bodies that are not a trigger at all.
func (s *Server) handleValidateTrigger(w http.ResponseWriter, r *http.Request) {
	b, ok := readBody(w, r)
	if !ok {
		return
	}
	t, err := trigger.Parse(b)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trigger body: "+err.Error())
		return
	}

	if err := trigger.Validate(t, time.Now()); err != nil {
		var verrs *trigger.ValidationErrors
		if errors.As(err, &verrs) {
			issues := make([]validationIssue, 0, len(verrs.Errs))
			for _, v := range verrs.Errs {
				issues = append(issues, validationIssue{Code: string(v.Code), Field: v.Field, Message: v.Message})
			}
			writeJSON(w, http.StatusOK, map[string]any{"valid": false, "errors": issues})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// handlePutSchedule creates or replaces a campaign's schedule. Replacing an
// existing entry resets the armed flag and the fire position.
func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.resolver.Resolve(r.Context(), id); err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown campaign: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	b, ok := readBody(w, r)
	if !ok {
		return
	}
	t, err := trigger.Parse(b)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trigger body: "+err.Error())
		return
	}
	if err := trigger.Validate(t, time.Now()); err != nil {
		var verrs *trigger.ValidationErrors
		if errors.As(err, &verrs) {
			issues := make([]validationIssue, 0, len(verrs.Errs))
			for _, v := range verrs.Errs {
				issues = append(issues, validationIssue{Code: string(v.Code), Field: v.Field, Message: v.Message})
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "errors": issues})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := store.ScheduleEntry{
		CampaignID: id,
		Trigger:    t,
		Status:     store.StatusActive,
		Armed:      t.Kind == trigger.KindCondition,
	}
	if t.Kind.TimePositioned() {
		next, fires := trigger.NextFire(t, time.Now())
		if !fires {
			writeError(w, http.StatusBadRequest, "trigger has no future fire time")
			return
		}
		entry.NextFireAt = &next
	}

	if err := s.conflict.Check(r.Context(), id, t); err != nil {
		var cerr *conflict.Error
		if errors.As(err, &cerr) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":                   cerr.Error(),
				"conflicting_campaign_id": cerr.ConflictingCampaignID,
				"conflicting_time":        cerr.ConflictingTime,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.st.Put(r.Context(), entry); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stored, err := s.st.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("schedule stored",
		logx.String("campaign_id", id),
		logx.String("trigger", string(t.Kind)))
	writeJSON(w, http.StatusCreated, toScheduleResponse(stored))
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.st.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no schedule for campaign "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(entry))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.st.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("schedule removed", logx.String("campaign_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.st.SetStatus(r.Context(), id, store.StatusPaused); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no schedule for campaign "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry, err := s.st.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(entry))
}

// handleResume reactivates a paused schedule. Time-positioned triggers get a
// fresh next fire time computed from now, so fires missed while paused do
// not burst on resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.st.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no schedule for campaign "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if entry.Trigger.Kind.TimePositioned() {
		next, fires := trigger.NextFire(entry.Trigger, time.Now())
		if !fires {
			if err := s.st.SetStatus(r.Context(), id, store.StatusExpired); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeError(w, http.StatusConflict, "schedule has no remaining fire times")
			return
		}
		if err := s.st.UpdateNextFire(r.Context(), id, &next, false); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := s.st.SetStatus(r.Context(), id, store.StatusActive); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry, err = s.st.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("schedule resumed", logx.String("campaign_id", id))
	writeJSON(w, http.StatusOK, toScheduleResponse(entry))
}

// handleExecute runs a campaign immediately, bypassing its schedule. The
// execution still goes through the dispatcher, so single-flight and retry
// semantics apply.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.resolver.Resolve(r.Context(), id); err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown campaign: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	exec, err := s.st.CreateExecution(r.Context(), id, store.ByManual)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.disp.Enqueue(r.Context(), exec); err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "dispatch queue full")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("manual execution queued",
		logx.String("campaign_id", id),
		logx.String("execution_id", exec.ID))
	writeJSON(w, http.StatusAccepted, toExecutionResponse(*exec))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	execs, err := s.st.ListExecutions(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]executionResponse, 0, len(execs))
	for _, e := range execs {
		out = append(out, toExecutionResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	entries, err := s.st.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]scheduleResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toScheduleResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduled": out})
}

// handleWebhook ingests a named external event. Secrets are enforced per
// schedule entry: an entry with a mismatched X-Webhook-Secret is skipped,
// not the whole webhook. The call is rejected with 401 only when every
// matching entry requires a different secret.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "event_name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing event name")
		return
	}

	entries, err := s.st.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	secret := r.Header.Get("X-Webhook-Secret")
	matched, authorized := 0, 0
	for _, e := range entries {
		if e.Trigger.Kind != trigger.KindEvent || e.Trigger.Event == nil {
			continue
		}
		if e.Trigger.Event.EventName != name {
			continue
		}
		matched++
		if e.Trigger.Event.WebhookSecret == "" || e.Trigger.Event.WebhookSecret == secret {
			authorized++
		}
	}
	if matched > 0 && authorized == 0 {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var payload map[string]any
	if b, ok := readBody(w, r); !ok {
		return
	} else if len(b) > 0 {
		if err := json.Unmarshal(b, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "payload must be a JSON object")
			return
		}
	}

	fired, err := s.signals.SignalEvent(r.Context(), name, secret, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event": name, "fired": fired})
}

// handleMetricSample ingests metric samples for condition triggers.
func (s *Server) handleMetricSample(w http.ResponseWriter, r *http.Request) {
	b, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Samples map[string]float64 `json:"samples"`
	}
	if err := json.Unmarshal(b, &req); err != nil || len(req.Samples) == 0 {
		writeError(w, http.StatusBadRequest, "body must be {\"samples\": {name: value}}")
		return
	}

	fired, err := s.signals.ObserveMetrics(r.Context(), req.Samples)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"observed": len(req.Samples), "fired": fired})
}
