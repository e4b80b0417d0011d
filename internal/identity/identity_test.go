package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mashvarat/legalchat/internal/store"
)

const testSecret = "test-secret-with-enough-entropy"

func signHS256(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "https://clerk.example.dev",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
}

func TestClerkVerifierHS256(t *testing.T) {
	v, err := NewClerkVerifier(nil, "", "https://clerk.example.dev", testSecret)
	if err != nil {
		t.Fatalf("NewClerkVerifier: %v", err)
	}

	sub, err := v.Verify(context.Background(), signHS256(t, validClaims("user_2abc")))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sub != "user_2abc" {
		t.Errorf("Expected subject user_2abc, got %q", sub)
	}
}

func TestClerkVerifierRejects(t *testing.T) {
	v, _ := NewClerkVerifier(nil, "", "https://clerk.example.dev", testSecret)

	expired := validClaims("user_2abc")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims("user_2abc")
	wrongIssuer.Issuer = "https://evil.example"

	noExp := validClaims("user_2abc")
	noExp.ExpiresAt = nil

	noSub := validClaims("")

	tests := map[string]string{
		"expired":      signHS256(t, expired),
		"wrong issuer": signHS256(t, wrongIssuer),
		"missing exp":  signHS256(t, noExp),
		"missing sub":  signHS256(t, noSub),
		"garbage":      "not.a.jwt",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), token); err == nil {
				t.Error("Expected verification to fail")
			}
		})
	}

	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated for empty token, got %v", err)
	}
}

func TestClerkVerifierRS256WithJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	fetches := 0
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "ins_1",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	defer jwksServer.Close()

	v, err := NewClerkVerifier(jwksServer.Client(), jwksServer.URL, "", "")
	if err != nil {
		t.Fatalf("NewClerkVerifier: %v", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("user_rsa"))
	tok.Header["kid"] = "ins_1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	for i := 0; i < 2; i++ {
		sub, err := v.Verify(context.Background(), signed)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if sub != "user_rsa" {
			t.Errorf("Expected user_rsa, got %q", sub)
		}
	}
	if fetches != 1 {
		t.Errorf("Expected JWKS to be fetched once, got %d", fetches)
	}

	// HS256 is not accepted when no secret is configured.
	if _, err := v.Verify(context.Background(), signHS256(t, validClaims("user_rsa"))); err == nil {
		t.Error("Expected HS256 token to be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer repo.Close()

	var gotSubject string
	handler := Middleware(repo, DevVerifier{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = SubjectFromContext(r.Context())
		if UserFromContext(r.Context()) == nil {
			t.Error("Expected user in context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		req.Header.Set("Authorization", "Bearer user_header")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("Expected 204, got %d", w.Code)
		}
		if gotSubject != "user_header" {
			t.Errorf("Expected user_header, got %q", gotSubject)
		}
		u, _ := repo.GetUserByIdentity(context.Background(), "user_header")
		if u == nil {
			t.Error("Expected user to be created lazily")
		}
	})

	t.Run("session cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "user_cookie"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if gotSubject != "user_cookie" {
			t.Errorf("Expected user_cookie, got %q", gotSubject)
		}
	})

	t.Run("no credential", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", w.Code)
		}
	})
}
