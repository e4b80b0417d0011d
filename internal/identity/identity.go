// Package identity authenticates Clerk users and attaches them to the
// request context.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/store"
)

const (
	// SessionCookieName is the cookie Clerk sets on the frontend origin.
	SessionCookieName = "__session"
	// DevUserHeader carries the subject directly when AUTH_MODE=dev.
	DevUserHeader = "X-Dev-User"
)

type contextKey int

const (
	userKey contextKey = iota
)

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *domain.User {
	if u, ok := ctx.Value(userKey).(*domain.User); ok {
		return u
	}
	return nil
}

// SubjectFromContext returns the authenticated Clerk subject, or "".
func SubjectFromContext(ctx context.Context) string {
	if u := UserFromContext(ctx); u != nil {
		return u.ExternalIdentity
	}
	return ""
}

// NewContext returns ctx carrying user.
func NewContext(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// tokenFromRequest looks for a credential in the Authorization header, then
// the Clerk session cookie, then the dev header.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimSpace(r.Header.Get(DevUserHeader))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// Middleware verifies the caller, lazily creates the user row on first
// contact and injects the user into the request context. Requests without a
// valid credential get 401.
func Middleware(repo store.Repository, verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := verifier.Verify(r.Context(), tokenFromRequest(r))
			if err != nil {
				if !errors.Is(err, ErrUnauthenticated) {
					slog.Debug("Rejected session token", "error", err)
				}
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			user, err := repo.EnsureUser(r.Context(), subject)
			if err != nil {
				slog.Error("Failed to initialize user", "clerk_id", subject, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to initialize user")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), user)))
		})
	}
}
