// Package domain contains core domain types for the legal-advice chat.
package domain

import (
	"time"
)

// User is a Clerk identity as known to the session store.
type User struct {
	ID               string    `json:"id"`
	ExternalIdentity string    `json:"clerk_id"`
	UsageThisMonth   int       `json:"usage_this_month"`
	UsageTotal       int       `json:"usage_total"`
	IsBlocked        bool      `json:"is_blocked"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CanQuery reports whether the user may dispatch new questions.
func (u *User) CanQuery() bool {
	return !u.IsBlocked
}
