package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	projectHeader = "X-Appwrite-Project"
	keyHeader     = "X-Appwrite-Key"
)

// HTTPClient posts questions to a worker function URL.
type HTTPClient struct {
	url       string
	projectID string
	apiKey    string
	client    *http.Client
}

// NewHTTPClient creates an HTTP dispatcher. The request deadline comes from
// the caller's context, not from the client.
func NewHTTPClient(url, projectID, apiKey string) *HTTPClient {
	return &HTTPClient{
		url:       url,
		projectID: projectID,
		apiKey:    apiKey,
		client:    &http.Client{},
	}
}

// Dispatch sends req and waits for a reply until ctx is done.
func (c *HTTPClient) Dispatch(ctx context.Context, req Request) (*Answer, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}

	var wire wireAnswer
	if err := c.postJSON(ctx, c.url, body, &wire); err != nil {
		return nil, err
	}
	return wire.toAnswer()
}

func (c *HTTPClient) postJSON(ctx context.Context, url string, body []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build worker request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.projectID != "" {
		httpReq.Header.Set(projectHeader, c.projectID)
	}
	if c.apiKey != "" {
		httpReq.Header.Set(keyHeader, c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call worker: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read worker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode worker response: %w", err)
	}
	return nil
}

// Close is a no-op; the client holds no connections of its own.
func (c *HTTPClient) Close() error { return nil }

// StatusError is a non-2xx reply from an upstream function.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.Code)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
}

// Transcriber forwards recorded audio to the voice function.
type Transcriber struct {
	http    *HTTPClient
	timeout time.Duration
}

// VoiceRequest is the transcription input. Audio is base64 encoded.
type VoiceRequest struct {
	Audio     string `json:"audio"`
	ClerkID   string `json:"clerkId"`
	SessionID string `json:"sessionId"`
	MimeType  string `json:"mimeType,omitempty"`
}

// NewTranscriber creates a voice client with a per-call timeout.
func NewTranscriber(url, projectID, apiKey string, timeout time.Duration) *Transcriber {
	return &Transcriber{
		http:    NewHTTPClient(url, projectID, apiKey),
		timeout: timeout,
	}
}

// Transcribe returns the function's JSON reply untouched.
func (t *Transcriber) Transcribe(ctx context.Context, req VoiceRequest) (json.RawMessage, error) {
	if t.http.url == "" {
		return nil, ErrNotConfigured
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode voice request: %w", err)
	}
	var out json.RawMessage
	if err := t.http.postJSON(ctx, t.http.url, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
