// Package worker talks to the external legal-answer worker and the voice
// transcription function. Both are black boxes reached over HTTP or gRPC.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mashvarat/legalchat/internal/domain"
)

var (
	// ErrEmptyAnswer is returned when the worker replies without a message.
	ErrEmptyAnswer = errors.New("worker returned an empty answer")
	// ErrNotConfigured is returned when the target function has no URL.
	ErrNotConfigured = errors.New("voice transcription is not configured")
)

// Request is what the worker receives for one question.
type Request struct {
	ClerkID   string `json:"clerkId"`
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

// Answer is a synchronous worker reply.
type Answer struct {
	Message string
	domain.Artifacts
}

// Dispatcher forwards a question to the worker. A nil error means the worker
// answered within ctx's deadline; any error means the answer, if any, will
// arrive out of band.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (*Answer, error)
	Close() error
}

// Pinger is implemented by transports with a health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// wireAnswer is the worker's JSON reply. Document fields are opaque and may
// arrive as strings or as nested JSON.
type wireAnswer struct {
	Message      string          `json:"message"`
	WordDocument json.RawMessage `json:"wordDocument"`
	ExcelFile    json.RawMessage `json:"excelFile"`
	Forms        json.RawMessage `json:"forms"`
}

func (w wireAnswer) toAnswer() (*Answer, error) {
	if strings.TrimSpace(w.Message) == "" {
		return nil, ErrEmptyAnswer
	}
	return &Answer{
		Message: w.Message,
		Artifacts: domain.Artifacts{
			WordDocument: opaqueText(w.WordDocument),
			ExcelFile:    opaqueText(w.ExcelFile),
			Forms:        formLinks(w.Forms),
		},
	}, nil
}

// opaqueText keeps a document field as text: JSON strings are unquoted,
// anything else is kept verbatim. null and absent map to nil.
func opaqueText(raw json.RawMessage) *string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return &s
	}
	return &trimmed
}

// formLinks accepts either a list of URLs or a list of {url|fileData}
// objects and returns the URLs.
func formLinks(raw json.RawMessage) []string {
	out := []string{}
	if len(raw) == 0 {
		return out
	}

	var links []string
	if err := json.Unmarshal(raw, &links); err == nil {
		for _, l := range links {
			if l = strings.TrimSpace(l); l != "" {
				out = append(out, l)
			}
		}
		return out
	}

	var objs []struct {
		URL      string `json:"url"`
		FileData string `json:"fileData"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		for _, o := range objs {
			switch {
			case o.URL != "":
				out = append(out, o.URL)
			case o.FileData != "":
				out = append(out, o.FileData)
			}
		}
	}
	return out
}
