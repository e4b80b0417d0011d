// Package watch pushes completion updates over websockets, running the
// poller server-side for clients that prefer not to poll themselves.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSessionSwitched is the cancellation cause when the user moves to
// another session while a watch is open.
var ErrSessionSwitched = errors.New("session switched")

type entry struct {
	sessionID string
	cancel    context.CancelCauseFunc
}

// Hub tracks open watches per user.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*entry
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]*entry),
	}
}

// Register adds a watch. cancel stops it.
func (h *Hub) Register(userID, watchID, sessionID string, cancel context.CancelCauseFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]*entry)
	}
	if existing, exists := h.active[userID][watchID]; exists {
		existing.cancel(context.Canceled)
	}
	h.active[userID][watchID] = &entry{sessionID: sessionID, cancel: cancel}
	slog.Debug("Watch registered", "user_id", userID, "watch_id", watchID, "session_id", sessionID)
}

// Unregister removes a watch.
func (h *Hub) Unregister(userID, watchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if watches, ok := h.active[userID]; ok {
		delete(watches, watchID)
		if len(watches) == 0 {
			delete(h.active, userID)
		}
	}
}

// Count returns the user's open watches.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}

// CloseOthers cancels every watch of userID on a session other than
// activeSessionID. It matches conversation.SwitchFunc.
func (h *Hub) CloseOthers(userID, activeSessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	watches, ok := h.active[userID]
	if !ok {
		return
	}
	for id, w := range watches {
		if w.sessionID == activeSessionID {
			continue
		}
		w.cancel(ErrSessionSwitched)
		delete(watches, id)
		slog.Info("Watch cancelled by session switch", "user_id", userID, "watch_id", id, "session_id", w.sessionID)
	}
	if len(watches) == 0 {
		delete(h.active, userID)
	}
}

// CloseAll cancels every watch, as on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, watches := range h.active {
		for _, w := range watches {
			w.cancel(context.Canceled)
		}
		delete(h.active, userID)
	}
}
