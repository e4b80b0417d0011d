package domain

import (
	"time"
)

// Session is one conversation thread. A user has at most one active session.
type Session struct {
	ID        string    `json:"sessionId"`
	UserID    string    `json:"-"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActiveSession returns the first active session in sessions, or nil.
func ActiveSession(sessions []*Session) *Session {
	for _, s := range sessions {
		if s.IsActive {
			return s
		}
	}
	return nil
}
