package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/applyd/applyd/internal/intervention"
	"github.com/applyd/applyd/internal/ratelimit"
	"github.com/applyd/applyd/internal/session"
	"github.com/applyd/applyd/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessionMgr      *session.Manager
	interventionMgr *intervention.Manager
	budget          *ratelimit.Budget
}

// NewHandler creates a new HTTP handler
func NewHandler(sessionMgr *session.Manager, interventionMgr *intervention.Manager, budget *ratelimit.Budget) *Handler {
	return &Handler{
		sessionMgr:      sessionMgr,
		interventionMgr: interventionMgr,
		budget:          budget,
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrInterventionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrConflictingIntervention):
		status = http.StatusConflict
	case errors.Is(err, models.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, models.ErrResourcePoolExhausted):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// StartSession handles POST /v1/sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := h.sessionMgr.Start(r.Context(), req)
	if err != nil {
		// A pool-exhausted start still created the session; report both.
		if sess != nil && errors.Is(err, models.ErrResourcePoolExhausted) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error":   err.Error(),
				"session": sess,
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionMgr.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	status := models.SessionStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, h.sessionMgr.List(status))
}

// AdvanceSession handles POST /v1/sessions/{id}/advance. Assisted sessions
// are stepped through here one action at a time.
func (h *Handler) AdvanceSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionMgr.Advance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// PauseSession handles POST /v1/sessions/{id}/pause
func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionMgr.Pause(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ResumeSession handles POST /v1/sessions/{id}/resume
func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	var req models.ResumeSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	sess, err := h.sessionMgr.Resume(r.Context(), mux.Vars(r)["id"], req.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CancelSession handles POST /v1/sessions/{id}/cancel
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionMgr.Cancel(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListInterventions handles GET /v1/interventions: the pending queue,
// newest first. ?session=<id> returns one session's full history instead.
func (h *Handler) ListInterventions(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		writeJSON(w, http.StatusOK, h.interventionMgr.ListBySession(sessionID))
		return
	}
	writeJSON(w, http.StatusOK, h.interventionMgr.ListPending())
}

// GetIntervention handles GET /v1/interventions/{id}
func (h *Handler) GetIntervention(w http.ResponseWriter, r *http.Request) {
	iv, err := h.interventionMgr.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

// ResolveIntervention handles POST /v1/interventions/{id}/resolve. The
// payload is stored on the intervention and the owning session resumes (or
// cancels, when the payload says so).
func (h *Handler) ResolveIntervention(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	sess, err := h.sessionMgr.ResolveIntervention(r.Context(), mux.Vars(r)["id"], payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetLimits handles GET /v1/limits: today's submission budget consumption.
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.budget.Usage())
}
