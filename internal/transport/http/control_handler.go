package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

// ControlHandler exposes the already-authenticated control operations
// the gateway forwards: start, advance, abort, adopt, and the snapshot
// read used by reconnecting clients.
type ControlHandler struct {
	service *app.SessionService
}

func NewControlHandler(service *app.SessionService) *ControlHandler {
	return &ControlHandler{service: service}
}

func (h *ControlHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions/{id}/start", h.start)
	mux.HandleFunc("POST /sessions/{id}/next", h.next)
	mux.HandleFunc("POST /sessions/{id}/abort", h.abort)
	mux.HandleFunc("POST /sessions/{id}/adopt", h.adopt)
	mux.HandleFunc("GET /sessions/{id}", h.snapshot)
}

type startRequest struct {
	QuizID string `json:"quizId"`
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (h *ControlHandler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuizID == "" {
		http.Error(w, "quizId required", http.StatusBadRequest)
		return
	}
	snap, err := h.service.Start(r.Context(), r.PathValue("id"), req.QuizID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *ControlHandler) next(w http.ResponseWriter, r *http.Request) {
	if err := h.service.OpenNext(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	snap, err := h.service.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *ControlHandler) abort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := h.service.Abort(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ControlHandler) adopt(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Adopt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *ControlHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrQuizNotFound), errors.Is(err, domain.ErrParticipantNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrOwnershipConflict), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorOf(err))
}
