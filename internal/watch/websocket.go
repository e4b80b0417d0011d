package watch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/mashvarat/legalchat/internal/conversation"
	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/identity"
	"github.com/mashvarat/legalchat/internal/poller"
)

const writeTimeout = 5 * time.Second

// Frame types pushed to the client.
const (
	FramePending   = "pending"
	FrameCompleted = "completed"
	FrameTimeout   = "timeout"
	FrameCancelled = "cancelled"
)

// Frame is one websocket message.
type Frame struct {
	Type         string   `json:"type"`
	Attempt      int      `json:"attempt,omitempty"`
	Message      string   `json:"message,omitempty"`
	MessageID    string   `json:"messageId,omitempty"`
	RequestID    string   `json:"requestId,omitempty"`
	WordDocument *string  `json:"wordDocument,omitempty"`
	ExcelFile    *string  `json:"excelFile,omitempty"`
	Forms        []string `json:"forms,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Handler upgrades /ws/check requests and polls on the client's behalf.
type Handler struct {
	conv          *conversation.Service
	hub           *Hub
	cfg           poller.Config
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a watch handler.
func NewHandler(conv *conversation.Service, hub *Hub, cfg poller.Config, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		conv:          conv,
		hub:           hub,
		cfg:           cfg,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// checker adapts the conversation service to the poller and reports each
// pending tick to the client.
type checker struct {
	conv    *conversation.Service
	user    *domain.User
	attempt atomic.Int32
	pending func(attempt int)
}

func (c *checker) Check(ctx context.Context, req poller.CheckRequest) (*poller.CheckResult, error) {
	n := int(c.attempt.Add(1))
	res, err := c.conv.Check(ctx, c.user, conversation.CheckQuery{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		After:     req.After,
	})
	if err != nil {
		if errors.Is(err, conversation.ErrInactiveSession) {
			return &poller.CheckResult{Status: poller.CheckError, Error: err.Error()}, nil
		}
		return nil, err
	}
	if res.Status != conversation.CheckCompleted {
		c.pending(n)
		return &poller.CheckResult{Status: poller.CheckPending}, nil
	}
	m := res.Answer
	return &poller.CheckResult{
		Status: poller.CheckCompleted,
		Answer: &poller.Answer{ID: m.ID, RequestID: m.RequestID, Content: m.Content, Artifacts: m.Artifacts},
	}, nil
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("sessionId"))
	requestID := strings.TrimSpace(q.Get("requestId"))
	if sessionID == "" {
		http.Error(w, `{"error":"Missing sessionId"}`, http.StatusBadRequest)
		return
	}
	var since time.Time
	if after := q.Get("after"); after != "" {
		ts, err := time.Parse(time.RFC3339Nano, after)
		if err != nil {
			http.Error(w, `{"error":"Invalid after timestamp"}`, http.StatusBadRequest)
			return
		}
		since = ts
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", user.ID)
		return
	}

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	watchID := uuid.NewString()
	h.hub.Register(user.ID, watchID, sessionID, cancel)
	defer h.hub.Unregister(user.ID, watchID)

	// CloseRead cancels the context once the client goes away.
	ctx = ws.CloseRead(ctx)

	c := &checker{conv: h.conv, user: user}
	c.pending = func(attempt int) {
		h.write(ws, Frame{Type: FramePending, Attempt: attempt, RequestID: requestID})
	}
	sink := func(e poller.Entry) {
		if e.Kind == poller.EntryAnswer && e.Answer != nil {
			a := e.Answer
			h.write(ws, Frame{
				Type:         FrameCompleted,
				Message:      a.Content,
				MessageID:    a.ID,
				RequestID:    a.RequestID,
				WordDocument: a.WordDocument,
				ExcelFile:    a.ExcelFile,
				Forms:        a.Forms,
			})
		}
	}

	slog.Info("Watch started", "user_id", user.ID, "session_id", sessionID, "request_id", requestID)
	runner := poller.NewRunner(c, h.cfg, sink)
	out, err := runner.Watch(ctx, sessionID, requestID, since)

	switch {
	case err == nil:
		_ = ws.Close(websocket.StatusNormalClosure, "completed")
	case errors.Is(err, poller.ErrTimedOut):
		h.write(ws, Frame{Type: FrameTimeout, RequestID: requestID, Error: poller.TimeoutText})
		_ = ws.Close(websocket.StatusNormalClosure, "timed out")
	case errors.Is(context.Cause(ctx), ErrSessionSwitched):
		h.write(ws, Frame{Type: FrameCancelled, RequestID: requestID, Error: ErrSessionSwitched.Error()})
		_ = ws.Close(websocket.StatusNormalClosure, ErrSessionSwitched.Error())
	default:
		_ = ws.Close(websocket.StatusGoingAway, "watch ended")
	}

	attempts := 0
	if out != nil {
		attempts = out.Attempts
	}
	slog.Info("Watch ended", "user_id", user.ID, "session_id", sessionID, "attempts", attempts, "error", err)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) write(ws *websocket.Conn, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}
