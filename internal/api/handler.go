// Package api provides HTTP handlers for the legal chat API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mashvarat/legalchat/internal/conversation"
	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/identity"
	"github.com/mashvarat/legalchat/internal/store"
)

const (
	msgUnauthorized     = "Unauthorized"
	msgInvalidBody      = "Invalid request body"
	msgInternal         = "Internal server error"
	msgMissingSessionID = "Missing sessionId"
)

// Handler provides common handler utilities.
type Handler struct {
	repo        store.Repository
	conv        *conversation.Service
	maxBodySize int64
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, conv *conversation.Service, maxBodySize int64) *Handler {
	return &Handler{
		repo:        repo,
		conv:        conv,
		maxBodySize: maxBodySize,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// user returns the authenticated user or writes 401.
func (h *Handler) user(w http.ResponseWriter, r *http.Request) (*domain.User, bool) {
	u := identity.UserFromContext(r.Context())
	if u == nil {
		Error(w, http.StatusUnauthorized, msgUnauthorized)
		return nil, false
	}
	return u, true
}

// decode reads a size-limited JSON body into v. It writes the error
// response itself and reports whether decoding succeeded.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if h.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, msgInvalidBody)
		return false
	}
	return true
}

// matchesCaller reports whether a body or query clerkId names the caller.
func matchesCaller(user *domain.User, clerkID string) bool {
	clerkID = strings.TrimSpace(clerkID)
	return clerkID != "" && clerkID == user.ExternalIdentity
}
