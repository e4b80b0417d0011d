package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mashvarat/legalchat/internal/conversation"
)

type checkError struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func checkFailed(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, checkError{Status: string(conversation.CheckError), Error: msg})
}

// CheckHandler serves the completion check.
type CheckHandler struct {
	*Handler
}

// NewCheckHandler creates a completion check handler.
func NewCheckHandler(base *Handler) *CheckHandler {
	return &CheckHandler{Handler: base}
}

// RegisterRoutes registers the completion check route.
func (h *CheckHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/check-response", h.Check)
}

// Check reports whether the answer for a session, or for one requestId in
// it, has been stored.
func (h *CheckHandler) Check(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	query := conversation.CheckQuery{
		SessionID: strings.TrimSpace(q.Get("sessionId")),
		RequestID: strings.TrimSpace(q.Get("requestId")),
	}
	if query.SessionID == "" {
		checkFailed(w, http.StatusBadRequest, msgMissingSessionID)
		return
	}
	if after := q.Get("after"); after != "" {
		ts, err := time.Parse(time.RFC3339Nano, after)
		if err != nil {
			checkFailed(w, http.StatusBadRequest, "Invalid after timestamp")
			return
		}
		query.After = ts
	}

	res, err := h.conv.Check(r.Context(), user, query)
	if err != nil {
		if errors.Is(err, conversation.ErrInactiveSession) {
			checkFailed(w, http.StatusBadRequest, "Invalid or inactive session")
			return
		}
		slog.Error("Completion check failed", "user_id", user.ID, "session_id", query.SessionID, "error", err)
		checkFailed(w, http.StatusInternalServerError, msgInternal)
		return
	}

	if res.Status != conversation.CheckCompleted {
		JSON(w, http.StatusOK, map[string]string{"status": string(res.Status)})
		return
	}
	m := res.Answer
	JSON(w, http.StatusOK, newAnswerView(m.Content, m.Artifacts, res.RequestID, m.ID))
}
