package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mashvarat/legalchat/internal/worker"
)

// MaxAudioBytes caps the decoded size of an uploaded recording.
const MaxAudioBytes = 2 << 20

const defaultFormName = "form.docx"

// errFormHost rejects downloads and redirects outside the form hosts.
var errFormHost = errors.New("form host not allowed")

// ProxyHandler relays form downloads and voice transcription.
type ProxyHandler struct {
	*Handler
	client      *http.Client
	bearer      string
	formHosts   []string
	transcriber *worker.Transcriber
}

// NewProxyHandler creates a proxy handler. Downloads are limited to
// formHosts, which also receive bearer. An empty list disables downloads.
func NewProxyHandler(base *Handler, bearer string, formHosts []string, downloadTimeout time.Duration, transcriber *worker.Transcriber) *ProxyHandler {
	h := &ProxyHandler{
		Handler:     base,
		bearer:      bearer,
		formHosts:   formHosts,
		transcriber: transcriber,
	}
	h.client = &http.Client{
		Timeout: downloadTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			if !h.formHostAllowed(req.URL) {
				return errFormHost
			}
			return nil
		},
	}
	return h
}

// formHostAllowed matches u against the configured hosts. An entry matches
// the host with or without port, and "*.example.com" matches subdomains.
func (h *ProxyHandler) formHostAllowed(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	hostPort := strings.ToLower(u.Host)
	for _, allowed := range h.formHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		switch {
		case allowed == "":
		case allowed == host || allowed == hostPort:
			return true
		case strings.HasPrefix(allowed, "*.") && strings.HasSuffix(host, allowed[1:]):
			return true
		}
	}
	return false
}

// RegisterRoutes registers proxy routes.
func (h *ProxyHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/download-form", h.DownloadForm)
	r.Post("/api/voice", h.Voice)
}

// formFilename is the last path segment of rawURL, or form.docx.
func formFilename(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return defaultFormName
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return strings.ReplaceAll(name, `"`, "")
}

// DownloadForm fetches a generated form and returns it as an attachment.
func (h *ProxyHandler) DownloadForm(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.user(w, r); !ok {
		return
	}

	raw := r.URL.Query().Get("url")
	if raw == "" {
		Error(w, http.StatusBadRequest, "Valid URL is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		Error(w, http.StatusBadRequest, fmt.Sprintf("Invalid URL format: %s", raw))
		return
	}
	if !h.formHostAllowed(u) {
		slog.Warn("Form download to unlisted host rejected", "host", u.Host)
		Error(w, http.StatusForbidden, "Form host not allowed")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		Error(w, http.StatusBadRequest, fmt.Sprintf("Invalid URL format: %s", raw))
		return
	}
	req.Header.Set("Authorization", "Bearer "+h.bearer)

	resp, err := h.client.Do(req)
	if errors.Is(err, errFormHost) {
		slog.Warn("Form download redirected to unlisted host", "url", raw)
		Error(w, http.StatusBadGateway, "Failed to download form: redirected to a host that is not allowed")
		return
	}
	if err != nil {
		slog.Warn("Form download failed", "url", raw, "error", err)
		Error(w, http.StatusBadGateway, "Failed to download form: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("Form host rejected download", "url", raw, "status", resp.StatusCode)
		Error(w, http.StatusBadGateway, fmt.Sprintf("Failed to download form: upstream returned %d", resp.StatusCode))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, formFilename(u)))
	if resp.ContentLength > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(resp.ContentLength))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("Form stream interrupted", "url", raw, "error", err)
	}
}

// decodedAudioSize validates base64 audio, with or without a data: URL
// prefix, and returns its decoded length.
func decodedAudioSize(audio string) (int, error) {
	if i := strings.Index(audio, ";base64,"); i >= 0 && strings.HasPrefix(audio, "data:") {
		audio = audio[i+len(";base64,"):]
	}
	if base64.StdEncoding.DecodedLen(len(audio)) > MaxAudioBytes+3 {
		return 0, errAudioTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		return 0, err
	}
	if len(data) > MaxAudioBytes {
		return 0, errAudioTooLarge
	}
	return len(data), nil
}

var errAudioTooLarge = errors.New("audio too large")

// Voice forwards a recording to the transcription function and returns its
// reply untouched.
func (h *ProxyHandler) Voice(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	var req worker.VoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Audio == "" || req.ClerkID == "" || req.SessionID == "" {
		Error(w, http.StatusBadRequest, "Missing audio, clerkId, or sessionId")
		return
	}
	if !matchesCaller(user, req.ClerkID) {
		Error(w, http.StatusForbidden, "Clerk ID mismatch")
		return
	}
	size, err := decodedAudioSize(req.Audio)
	if err != nil {
		if errors.Is(err, errAudioTooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "Audio too large")
			return
		}
		Error(w, http.StatusBadRequest, "Audio must be base64 encoded")
		return
	}

	if h.transcriber == nil {
		Error(w, http.StatusServiceUnavailable, worker.ErrNotConfigured.Error())
		return
	}
	out, err := h.transcriber.Transcribe(r.Context(), req)
	if err != nil {
		if errors.Is(err, worker.ErrNotConfigured) {
			Error(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		slog.Error("Voice transcription failed", "user_id", user.ID, "session_id", req.SessionID, "bytes", size, "error", err)
		Error(w, http.StatusBadGateway, "Failed to process voice: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
