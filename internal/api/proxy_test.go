package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mashvarat/legalchat/internal/identity"
	"github.com/mashvarat/legalchat/internal/worker"
)

func TestFormFilename(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://files.example/forms/%D9%81%D8%B1%D9%85.docx", "فرم.docx"},
		{"https://files.example/a/b/lease.pdf", "lease.pdf"},
		{"https://files.example/", defaultFormName},
		{"https://files.example", defaultFormName},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.raw)
		if got := formFilename(u); got != tt.want {
			t.Errorf("formFilename(%q): expected %q, got %q", tt.raw, tt.want, got)
		}
	}
}

func TestDownloadForm(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if strings.HasSuffix(r.URL.Path, "missing.docx") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
		_, _ = w.Write([]byte("DOCX"))
	}))
	defer upstream.Close()

	s := newTestServer(t, func(c *RouterConfig) {
		c.FormsBearerToken = "anon-key"
		c.FormHosts = []string{"127.0.0.1"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/download-form?url="+url.QueryEscape(upstream.URL+"/forms/lease.docx"), nil)
	req.Header.Set(identity.DevUserHeader, "user_dl")
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="lease.docx"` {
		t.Errorf("Unexpected Content-Disposition %q", got)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/vnd.openxmlformats") {
		t.Errorf("Expected upstream content type, got %q", rec.Header().Get("Content-Type"))
	}
	if body, _ := io.ReadAll(rec.Body); string(body) != "DOCX" {
		t.Errorf("Expected file body, got %q", body)
	}
	if gotAuth != "Bearer anon-key" {
		t.Errorf("Expected bearer token forwarded, got %q", gotAuth)
	}

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"missing url", "/api/download-form", http.StatusBadRequest},
		{"not http", "/api/download-form?url=" + url.QueryEscape("file:///etc/passwd"), http.StatusBadRequest},
		{"upstream 404", "/api/download-form?url=" + url.QueryEscape(upstream.URL+"/missing.docx"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := s.do(http.MethodGet, tt.target, "user_dl", nil, nil); code != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, code)
			}
		})
	}
}

func TestDownloadFormRejectsUnlistedHost(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("DOCX"))
	}))
	defer upstream.Close()

	s := newTestServer(t, func(c *RouterConfig) {
		c.FormsBearerToken = "anon-key"
		c.FormHosts = []string{"storage.example", "*.cdn.example"}
	})

	for _, target := range []string{
		upstream.URL + "/forms/lease.docx",
		"http://169.254.169.254/latest/meta-data",
		"https://cdn.example.evil.test/f.docx",
	} {
		code := s.do(http.MethodGet, "/api/download-form?url="+url.QueryEscape(target), "user_dl", nil, nil)
		if code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", target, code)
		}
	}
	if hits != 0 {
		t.Errorf("Expected no request to an unlisted host, got %d", hits)
	}

	none := newTestServer(t, func(c *RouterConfig) { c.FormsBearerToken = "anon-key" })
	if code := none.do(http.MethodGet, "/api/download-form?url="+url.QueryEscape(upstream.URL+"/f.docx"), "user_dl", nil, nil); code != http.StatusForbidden {
		t.Errorf("Expected 403 with no form hosts configured, got %d", code)
	}
}

func TestDownloadFormRejectsRedirectToUnlistedHost(t *testing.T) {
	var leaked string
	capture := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		leaked = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("DOCX"))
	}))
	defer capture.Close()
	// Same listener reached through a hostname that is not on the list.
	target := strings.Replace(capture.URL, "127.0.0.1", "localhost", 1)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target+"/f.docx", http.StatusFound)
	}))
	defer upstream.Close()

	s := newTestServer(t, func(c *RouterConfig) {
		c.FormsBearerToken = "anon-key"
		c.FormHosts = []string{"127.0.0.1"}
	})

	code := s.do(http.MethodGet, "/api/download-form?url="+url.QueryEscape(upstream.URL+"/f.docx"), "user_dl", nil, nil)
	if code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", code)
	}
	if leaked != "" {
		t.Errorf("Expected no bearer sent after the redirect, got %q", leaked)
	}
}

func TestFormHostAllowed(t *testing.T) {
	h := &ProxyHandler{formHosts: []string{"Storage.Example", "*.cdn.example", "files.example:8443"}}
	tests := []struct {
		raw  string
		want bool
	}{
		{"https://storage.example/f.docx", true},
		{"https://storage.example:9000/f.docx", true},
		{"https://eu.cdn.example/f.docx", true},
		{"https://cdn.example/f.docx", false},
		{"https://files.example:8443/f.docx", true},
		{"https://files.example/f.docx", false},
		{"https://storage.example.evil.test/f.docx", false},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.raw)
		if got := h.formHostAllowed(u); got != tt.want {
			t.Errorf("formHostAllowed(%q): expected %v, got %v", tt.raw, tt.want, got)
		}
	}
}

func TestVoice(t *testing.T) {
	var got map[string]string
	var headers http.Header
	fn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"متن پیاده شده"}`))
	}))
	defer fn.Close()

	s := newTestServer(t, func(c *RouterConfig) {
		c.Transcriber = worker.NewTranscriber(fn.URL, "proj", "key", time.Second)
		c.MaxBodySize = 8 << 20
	})

	audio := base64.StdEncoding.EncodeToString([]byte("RIFF....WAVE"))
	var resp map[string]string
	code := s.do(http.MethodPost, "/api/voice", "user_v", map[string]string{
		"audio": audio, "clerkId": "user_v", "sessionId": "s1", "mimeType": "audio/wav",
	}, &resp)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if resp["text"] != "متن پیاده شده" {
		t.Errorf("Expected function reply passed through, got %v", resp)
	}
	if got["audio"] != audio || got["clerkId"] != "user_v" {
		t.Errorf("Unexpected forwarded body: %v", got)
	}
	if headers.Get("X-Appwrite-Project") != "proj" || headers.Get("X-Appwrite-Key") != "key" {
		t.Errorf("Expected project headers, got %v", headers)
	}

	big := base64.StdEncoding.EncodeToString(make([]byte, MaxAudioBytes+1))
	tests := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{"missing audio", map[string]string{"clerkId": "user_v", "sessionId": "s1"}, http.StatusBadRequest},
		{"mismatch", map[string]string{"audio": audio, "clerkId": "user_w", "sessionId": "s1"}, http.StatusForbidden},
		{"not base64", map[string]string{"audio": "!!!", "clerkId": "user_v", "sessionId": "s1"}, http.StatusBadRequest},
		{"too large", map[string]string{"audio": big, "clerkId": "user_v", "sessionId": "s1"}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := s.do(http.MethodPost, "/api/voice", "user_v", tt.body, nil); code != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, code)
			}
		})
	}
}

func TestVoiceNotConfigured(t *testing.T) {
	s := newTestServer(t, nil)
	audio := base64.StdEncoding.EncodeToString([]byte("x"))
	code := s.do(http.MethodPost, "/api/voice", "user_v", map[string]string{
		"audio": audio, "clerkId": "user_v", "sessionId": "s1",
	}, nil)
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", code)
	}
}

func TestDecodedAudioSizeDataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("abc"))
	n, err := decodedAudioSize("data:audio/webm;base64," + payload)
	if err != nil || n != 3 {
		t.Errorf("Expected 3 bytes, got %d, %v", n, err)
	}
}
