// Package client is a Go client for the legal chat HTTP API. It implements
// poller.Backend so a terminal client can drive the poller against a server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/poller"
)

// DevUserHeader carries the subject when the server runs with AUTH_MODE=dev.
const DevUserHeader = "X-Dev-User"

// APIError is a non-2xx reply.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return e.Message
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// Token is a Clerk session JWT, or the subject itself in dev mode.
	Token   string
	ClerkID string
	DevMode bool
	Timeout time.Duration
}

// Client calls the API on behalf of one user.
type Client struct {
	baseURL string
	token   string
	clerkID string
	devMode bool
	http    *http.Client
}

// New creates a client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		clerkID: opts.ClerkID,
		devMode: opts.DevMode,
		http:    &http.Client{Timeout: opts.Timeout},
	}
}

// ClerkID returns the identity the client sends in request bodies.
func (c *Client) ClerkID() string {
	return c.clerkID
}

// Session is one entry of a session list.
type Session struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	IsActive  bool      `json:"isActive"`
}

// SessionList is the sessions endpoint reply.
type SessionList struct {
	Sessions      []Session `json:"sessions"`
	ActiveSession *struct {
		SessionID string `json:"sessionId"`
	} `json:"activeSession"`
}

// ActiveID returns the active session ID, or "".
func (l *SessionList) ActiveID() string {
	if l.ActiveSession == nil {
		return ""
	}
	return l.ActiveSession.SessionID
}

// Message is a transcript row.
type Message struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Message      string    `json:"message"`
	WordDocument *string   `json:"word_document"`
	ExcelFile    *string   `json:"excel_file"`
	Forms        []string  `json:"forms"`
	RequestID    string    `json:"request_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// answer is the completed reply shape of dispatch and check.
type answer struct {
	Status       string   `json:"status"`
	Message      string   `json:"message"`
	WordDocument *string  `json:"wordDocument"`
	ExcelFile    *string  `json:"excelFile"`
	Forms        []string `json:"forms"`
	RequestID    string   `json:"requestId"`
	MessageID    string   `json:"messageId"`
	Error        string   `json:"error"`
}

func (a *answer) toAnswer() *poller.Answer {
	return &poller.Answer{
		ID:        a.MessageID,
		RequestID: a.RequestID,
		Content:   a.Message,
		Artifacts: domain.Artifacts{
			WordDocument: a.WordDocument,
			ExcelFile:    a.ExcelFile,
			Forms:        a.Forms,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		if c.devMode {
			req.Header.Set(DevUserHeader, c.token)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Dispatch submits a question. It implements poller.Backend.
func (c *Client) Dispatch(ctx context.Context, sub poller.Submission) (*poller.DispatchResult, error) {
	body := map[string]string{
		"clerkId":   c.clerkID,
		"text":      sub.Text,
		"sessionId": sub.SessionID,
	}
	if sub.RequestID != "" {
		body["requestId"] = sub.RequestID
	}

	var out answer
	status, err := c.do(ctx, http.MethodPost, "/api/legal-query", body, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted || out.Status == string(poller.DispatchProcessing) {
		return &poller.DispatchResult{Status: poller.DispatchProcessing, RequestID: out.RequestID}, nil
	}
	return &poller.DispatchResult{
		Status:    poller.DispatchCompleted,
		RequestID: out.RequestID,
		Answer:    out.toAnswer(),
	}, nil
}

// Check asks whether the answer has been stored. It implements poller.Checker.
func (c *Client) Check(ctx context.Context, req poller.CheckRequest) (*poller.CheckResult, error) {
	q := url.Values{"sessionId": {req.SessionID}}
	if req.RequestID != "" {
		q.Set("requestId", req.RequestID)
	}
	if !req.After.IsZero() {
		q.Set("after", req.After.UTC().Format(time.RFC3339Nano))
	}

	var out answer
	if _, err := c.do(ctx, http.MethodGet, "/api/check-response?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	switch poller.CheckStatus(out.Status) {
	case poller.CheckCompleted:
		return &poller.CheckResult{Status: poller.CheckCompleted, Answer: out.toAnswer()}, nil
	case poller.CheckError:
		return &poller.CheckResult{Status: poller.CheckError, Error: out.Error}, nil
	default:
		return &poller.CheckResult{Status: poller.CheckPending}, nil
	}
}

// Sessions bootstraps and returns the latest sessions.
func (c *Client) Sessions(ctx context.Context) (*SessionList, error) {
	var out SessionList
	if _, err := c.do(ctx, http.MethodGet, "/api/sessions?clerkId="+url.QueryEscape(c.clerkID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AllSessions returns every session of the user.
func (c *Client) AllSessions(ctx context.Context) (*SessionList, error) {
	var out SessionList
	if _, err := c.do(ctx, http.MethodPost, "/api/sessions", map[string]string{"clerkId": c.clerkID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NewSession starts a new active session and returns its ID.
func (c *Client) NewSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	body := map[string]string{"clerkId": c.clerkID, "action": "new_session"}
	if _, err := c.do(ctx, http.MethodPost, "/api/sessions", body, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// ActivateSession makes sessionID the active session.
func (c *Client) ActivateSession(ctx context.Context, sessionID string) error {
	body := map[string]string{"clerkId": c.clerkID, "action": "activate_session", "sessionId": sessionID}
	_, err := c.do(ctx, http.MethodPost, "/api/sessions", body, nil)
	return err
}

// History returns a session transcript; see the chats endpoint for limit.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	q := url.Values{"sessionId": {sessionID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/chats?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// AppendMessage stores one transcript row in the active session.
func (c *Client) AppendMessage(ctx context.Context, sessionID string, role domain.Role, content string) (*Message, error) {
	body := map[string]string{
		"sessionId": sessionID,
		"clerkId":   c.clerkID,
		"role":      string(role),
		"content":   content,
	}
	var out Message
	if _, err := c.do(ctx, http.MethodPost, "/api/chats", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
