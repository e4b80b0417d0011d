package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mashvarat/legalchat/internal/dispatch"
	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/store"
)

// answerView is a completed answer as the dispatch and check endpoints
// report it.
type answerView struct {
	Status       string   `json:"status"`
	Message      string   `json:"message"`
	WordDocument *string  `json:"wordDocument"`
	ExcelFile    *string  `json:"excelFile"`
	Forms        []string `json:"forms"`
	RequestID    string   `json:"requestId,omitempty"`
	MessageID    string   `json:"messageId,omitempty"`
}

func newAnswerView(content string, a domain.Artifacts, requestID, messageID string) answerView {
	forms := a.ValidForms()
	return answerView{
		Status:       "completed",
		Message:      content,
		WordDocument: a.WordDocument,
		ExcelFile:    a.ExcelFile,
		Forms:        forms,
		RequestID:    requestID,
		MessageID:    messageID,
	}
}

// QueryHandler handles question dispatch.
type QueryHandler struct {
	*Handler
	svc *dispatch.Service
}

// NewQueryHandler creates a dispatch handler.
func NewQueryHandler(base *Handler, svc *dispatch.Service) *QueryHandler {
	return &QueryHandler{Handler: base, svc: svc}
}

// RegisterRoutes registers the dispatch route behind the given middlewares.
func (h *QueryHandler) RegisterRoutes(r chi.Router, middlewares ...func(http.Handler) http.Handler) {
	r.With(middlewares...).Post("/api/legal-query", h.Ask)
}

// Ask forwards a question to the worker. It answers 200 with the answer when
// the worker replied in time, and 202 processing otherwise.
func (h *QueryHandler) Ask(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	var in dispatch.Input
	if !h.decode(w, r, &in) {
		return
	}

	res, err := h.svc.Dispatch(r.Context(), user, in)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrMissingField):
			Error(w, http.StatusBadRequest, "Missing clerkId, text, or sessionId")
		case errors.Is(err, dispatch.ErrIdentityMismatch):
			Error(w, http.StatusForbidden, "Clerk ID mismatch")
		case errors.Is(err, dispatch.ErrUserBlocked):
			Error(w, http.StatusForbidden, "User is blocked")
		case errors.Is(err, store.ErrSessionNotOwned):
			Error(w, http.StatusForbidden, "Invalid session")
		case errors.Is(err, dispatch.ErrDuplicateRequest):
			Error(w, http.StatusConflict, "Duplicate requestId")
		default:
			slog.Error("Failed to dispatch question", "user_id", user.ID, "session_id", in.SessionID, "error", err)
			Error(w, http.StatusInternalServerError, msgInternal)
		}
		return
	}

	if res.Status == dispatch.StatusCompleted {
		JSON(w, http.StatusOK, newAnswerView(res.Answer.Message, res.Answer.Artifacts, res.RequestID, ""))
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{
		"status":    string(dispatch.StatusProcessing),
		"requestId": res.RequestID,
	})
}
