package domain

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Artifacts are the optional generated payloads attached to an answer.
// WordDocument and ExcelFile are opaque JSON documents produced by the worker.
type Artifacts struct {
	WordDocument *string  `json:"wordDocument"`
	ExcelFile    *string  `json:"excelFile"`
	Forms        []string `json:"forms"`
}

// ValidForms returns only the form links that look like downloadable URLs.
func (a Artifacts) ValidForms() []string {
	out := make([]string, 0, len(a.Forms))
	for _, f := range a.Forms {
		if strings.HasPrefix(f, "http") {
			out = append(out, f)
		}
	}
	return out
}

// Message is one transcript entry. Messages are append-only.
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	RequestID string
	Seq       int64
	CreatedAt time.Time
	Artifacts
}

// NewMessage is the input for appending a transcript entry.
type NewMessage struct {
	SessionID string
	Role      Role
	Content   string
	RequestID string
	Artifacts Artifacts
}
