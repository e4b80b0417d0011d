package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mashvarat/legalchat/internal/conversation"
	"github.com/mashvarat/legalchat/internal/domain"
)

// messageView is a transcript row in the column naming clients expect.
type messageView struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Message      string    `json:"message"`
	WordDocument *string   `json:"word_document"`
	ExcelFile    *string   `json:"excel_file"`
	Forms        []string  `json:"forms"`
	RequestID    string    `json:"request_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func newMessageView(m *domain.Message) messageView {
	forms := m.Forms
	if forms == nil {
		forms = []string{}
	}
	return messageView{
		ID:           m.ID,
		Role:         string(m.Role),
		Message:      m.Content,
		WordDocument: m.WordDocument,
		ExcelFile:    m.ExcelFile,
		Forms:        forms,
		RequestID:    m.RequestID,
		CreatedAt:    m.CreatedAt,
	}
}

type appendRequest struct {
	SessionID    string   `json:"sessionId"`
	ClerkID      string   `json:"clerkId"`
	Role         string   `json:"role"`
	Content      string   `json:"content"`
	RequestID    string   `json:"requestId"`
	WordDocument *string  `json:"wordDocument"`
	ExcelFile    *string  `json:"excelFile"`
	Forms        []string `json:"forms"`
}

// ChatHandler serves the chat transcript.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a transcript handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers transcript routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/chats", h.List)
	r.Post("/api/chats", h.Append)
}

// List returns a session's messages, oldest first, or the latest limit
// messages newest first when limit is given.
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, msgMissingSessionID)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.conv.Transcript(r.Context(), user, sessionID, limit)
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidSession) {
			Error(w, http.StatusBadRequest, "Invalid session")
			return
		}
		slog.Error("Failed to load transcript", "user_id", user.ID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, msgInternal)
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, newMessageView(m))
	}
	JSON(w, http.StatusOK, map[string]any{"messages": views})
}

// Append adds one message to the caller's active session.
func (h *ChatHandler) Append(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	var req appendRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.ClerkID == "" || req.Role == "" || req.Content == "" {
		Error(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	if !matchesCaller(user, req.ClerkID) {
		Error(w, http.StatusForbidden, "Clerk ID mismatch")
		return
	}
	role := domain.Role(req.Role)
	if !role.Valid() {
		Error(w, http.StatusBadRequest, "Invalid role")
		return
	}

	msg, err := h.conv.AppendMessage(r.Context(), user, domain.NewMessage{
		SessionID: req.SessionID,
		Role:      role,
		Content:   req.Content,
		RequestID: strings.TrimSpace(req.RequestID),
		Artifacts: domain.Artifacts{
			WordDocument: req.WordDocument,
			ExcelFile:    req.ExcelFile,
			Forms:        req.Forms,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrInvalidMessage):
			Error(w, http.StatusBadRequest, "Missing required fields")
		case errors.Is(err, conversation.ErrInactiveSession):
			Error(w, http.StatusBadRequest, "Invalid or inactive session")
		default:
			slog.Error("Failed to append message", "user_id", user.ID, "session_id", req.SessionID, "error", err)
			Error(w, http.StatusInternalServerError, msgInternal)
		}
		return
	}
	JSON(w, http.StatusCreated, newMessageView(msg))
}
