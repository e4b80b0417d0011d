package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mashvarat/legalchat/internal/conversation"
	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/store"
)

const (
	actionNewSession      = "new_session"
	actionActivateSession = "activate_session"
)

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type sessionsResponse struct {
	Sessions      []*domain.Session `json:"sessions"`
	ActiveSession *sessionRef       `json:"activeSession,omitempty"`
}

func newSessionsResponse(ov *conversation.Overview) sessionsResponse {
	resp := sessionsResponse{Sessions: ov.Sessions}
	if resp.Sessions == nil {
		resp.Sessions = []*domain.Session{}
	}
	if ov.Active != nil {
		resp.ActiveSession = &sessionRef{SessionID: ov.Active.ID}
	}
	return resp
}

type sessionRequest struct {
	ClerkID   string `json:"clerkId"`
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

// SessionHandler handles session bootstrap and selection.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions", h.Bootstrap)
	r.Post("/api/sessions", h.Mutate)
}

// Bootstrap returns the latest sessions and the active one, creating a
// session when the user has no active one.
func (h *SessionHandler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	if !matchesCaller(user, r.URL.Query().Get("clerkId")) {
		Error(w, http.StatusForbidden, "Invalid or missing clerkId")
		return
	}

	ov, err := h.conv.Bootstrap(r.Context(), user)
	if err != nil {
		slog.Error("Failed to bootstrap sessions", "user_id", user.ID, "error", err)
		Error(w, http.StatusInternalServerError, msgInternal)
		return
	}
	JSON(w, http.StatusOK, newSessionsResponse(ov))
}

// Mutate creates or activates a session, or lists every session when no
// action is given.
func (h *SessionHandler) Mutate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	var req sessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !matchesCaller(user, req.ClerkID) {
		Error(w, http.StatusForbidden, "Invalid or missing clerkId")
		return
	}

	switch req.Action {
	case actionNewSession:
		sess, err := h.conv.NewSession(r.Context(), user)
		if err != nil {
			slog.Error("Failed to create session", "user_id", user.ID, "error", err)
			Error(w, http.StatusInternalServerError, msgInternal)
			return
		}
		JSON(w, http.StatusOK, sessionRef{SessionID: sess.ID})

	case actionActivateSession:
		if req.SessionID == "" {
			Error(w, http.StatusBadRequest, msgMissingSessionID)
			return
		}
		err := h.conv.ActivateSession(r.Context(), user, req.SessionID)
		switch {
		case err == nil:
			JSON(w, http.StatusOK, sessionRef{SessionID: req.SessionID})
		case errors.Is(err, store.ErrSessionNotOwned), errors.Is(err, conversation.ErrInvalidSession):
			Error(w, http.StatusForbidden, "Invalid session")
		default:
			slog.Error("Failed to activate session", "user_id", user.ID, "session_id", req.SessionID, "error", err)
			Error(w, http.StatusInternalServerError, msgInternal)
		}

	default:
		ov, err := h.conv.ListSessions(r.Context(), user)
		if err != nil {
			slog.Error("Failed to list sessions", "user_id", user.ID, "error", err)
			Error(w, http.StatusInternalServerError, msgInternal)
			return
		}
		JSON(w, http.StatusOK, newSessionsResponse(ov))
	}
}
