package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a request carries no usable credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier turns a bearer credential into the Clerk subject it was issued for.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// ClerkVerifier validates Clerk session JWTs. RS256 tokens are checked
// against the instance JWKS; HS256 tokens against a shared secret.
type ClerkVerifier struct {
	issuer string
	secret []byte
	jwks   *jwksCache
	leeway time.Duration
}

// NewClerkVerifier builds a verifier. Either jwksURL or secret must be set.
func NewClerkVerifier(httpClient *http.Client, jwksURL, issuer, secret string) (*ClerkVerifier, error) {
	if strings.TrimSpace(jwksURL) == "" && secret == "" {
		return nil, fmt.Errorf("clerk verifier needs a JWKS URL or a shared secret")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	v := &ClerkVerifier{
		issuer: strings.TrimSpace(issuer),
		leeway: 5 * time.Second,
	}
	if secret != "" {
		v.secret = []byte(secret)
	}
	if jwksURL != "" {
		v.jwks = newJWKSCache(httpClient, jwksURL)
	}
	return v, nil
}

// Verify parses and validates token, returning its subject.
func (v *ClerkVerifier) Verify(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrUnauthenticated
	}

	var methods []string
	if v.jwks != nil {
		methods = append(methods, "RS256")
	}
	if v.secret != nil {
		methods = append(methods, "HS256")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case "HS256":
			return v.secret, nil
		default:
			kid, _ := t.Header["kid"].(string)
			if strings.TrimSpace(kid) == "" {
				return nil, fmt.Errorf("missing kid")
			}
			return v.jwks.getKey(ctx, kid)
		}
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	if tok == nil || !tok.Valid {
		return "", fmt.Errorf("invalid session token")
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("missing sub")
	}
	return claims.Subject, nil
}

// DevVerifier accepts the credential itself as the subject. For local
// development only.
type DevVerifier struct{}

// Verify returns token as the subject.
func (DevVerifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// jwksCache holds the RSA keys of one JWKS document, refreshed on a TTL or
// when an unknown kid shows up.
type jwksCache struct {
	httpClient *http.Client
	url        string

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	ttl       time.Duration
}

func newJWKSCache(httpClient *http.Client, url string) *jwksCache {
	return &jwksCache{
		httpClient: httpClient,
		url:        url,
		keys:       map[string]*rsa.PublicKey{},
		ttl:        6 * time.Hour,
	}
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (j *jwksCache) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	j.mu.RLock()
	key := j.keys[kid]
	stale := time.Since(j.fetchedAt) > j.ttl
	j.mu.RUnlock()

	if key != nil && !stale {
		return key, nil
	}

	if err := j.refresh(ctx); err != nil {
		// A stale key beats no key while the JWKS endpoint is down.
		if key != nil {
			return key, nil
		}
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	key = j.keys[kid]
	if key == nil {
		return nil, fmt.Errorf("kid not found in jwks: %s", kid)
	}
	return key, nil
}

func (j *jwksCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	res, err := j.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("jwks fetch failed: %s", res.Status)
	}

	var set jwkSet
	if err := json.NewDecoder(res.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	next := map[string]*rsa.PublicKey{}
	for _, k := range set.Keys {
		if k.Kty != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromModExp(k.N, k.E)
		if err == nil {
			next[k.Kid] = pub
		}
	}
	if len(next) == 0 {
		return fmt.Errorf("jwks contained no usable keys")
	}

	j.mu.Lock()
	j.keys = next
	j.fetchedAt = time.Now()
	j.mu.Unlock()
	return nil
}

func rsaFromModExp(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}

	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
