// Package jwt verifies the context token the gateway forwards to upstream
// services. Keys are fetched from the gateway's JWKS endpoint and cached.
//
// Upstreams put the Authenticator in their own auth.AuthChain; a valid
// token yields an identity whose metadata mirrors the gateway decision.
package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/auth"
	"github.com/formbridge/gateway/pkg/auth/token"
)

// MethodContextToken is the Identity.Method of token-authenticated callers.
const MethodContextToken = "context_token"

// Config holds the verifier configuration.
type Config struct {
	// Issuer is the expected iss claim. If empty, issuer is not validated.
	Issuer string

	// Audience is the expected aud claim. If empty, audience is not validated.
	Audience string

	// JWKSURL is the gateway's key set, normally <gateway>/.well-known/jwks.json.
	JWKSURL string

	// Header carries the token. Default: X-Gateway-Context. The
	// Authorization header is also accepted as a Bearer token.
	Header string

	// CacheTTL controls how long JWKS keys are cached. Default: 1 hour.
	CacheTTL time.Duration

	// HTTPClient allows injecting a custom HTTP client (useful for testing).
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// Now overrides the clock used for exp/nbf checks.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Header == "" {
		c.Header = token.HeaderContext
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 1 * time.Hour
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Authenticator validates context tokens against a JWKS endpoint.
type Authenticator struct {
	config    Config
	jwksCache *jwksCache
}

// New creates a context token authenticator with the given configuration.
func New(cfg Config) *Authenticator {
	cfg.applyDefaults()
	return &Authenticator{
		config: cfg,
		jwksCache: &jwksCache{
			keys:    make(map[string]*rsa.PublicKey),
			ttl:     cfg.CacheTTL,
			jwksURL: cfg.JWKSURL,
			client:  cfg.HTTPClient,
			now:     cfg.Now,
		},
	}
}

// Authenticate validates the context token and returns an identity on
// success.
//
// Decision outcomes:
//   - Abstain: no token header and no Bearer Authorization header
//   - No: token present but invalid (expired, wrong issuer, bad signature, etc.)
//   - Yes: valid token with populated Identity
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.AuthResult {
	tokenStr, present := a.extract(r)
	if !present {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if tokenStr == "" {
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("empty context token")}
	}

	var claims token.Claims
	tok, err := jwtlib.ParseWithClaims(tokenStr, &claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		key, fetchErr := a.jwksCache.getKey(ctx, kid)
		if fetchErr != nil {
			return nil, fmt.Errorf("fetching JWKS key for kid %q: %w", kid, fetchErr)
		}
		return key, nil
	}, a.parserOptions()...)
	if err != nil {
		slog.Debug("context token validation failed", "error", err)
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("invalid context token: %w", err)}
	}
	if !tok.Valid {
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("invalid context token claims")}
	}

	if claims.Subject == "" || claims.TenantID == "" {
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("context token missing sub or tenant_id")}
	}
	if claims.Subject != claims.TenantID {
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("context token subject %q does not match tenant %q", claims.Subject, claims.TenantID)}
	}

	meta := map[string]string{
		api.ContextTenantID:   claims.TenantID,
		api.ContextDecisionID: claims.ID,
	}
	if claims.ValidatedAt != "" {
		meta[api.ContextValidatedAt] = claims.ValidatedAt
	}
	if claims.CredentialVersion != "" {
		meta[api.ContextCredentialVersion] = claims.CredentialVersion
	}
	if claims.AuthMethod != "" {
		meta[api.ContextAuthMethod] = claims.AuthMethod
	}

	return auth.AuthResult{
		Decision: auth.Yes,
		Identity: &auth.Identity{
			Subject:  claims.Subject,
			Method:   MethodContextToken,
			Metadata: meta,
		},
	}
}

// extract returns the token and whether any token-bearing header was present.
func (a *Authenticator) extract(r *http.Request) (string, bool) {
	if v, ok := r.Header[http.CanonicalHeaderKey(a.config.Header)]; ok && len(v) > 0 {
		return strings.TrimSpace(v[0]), true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), true
}

func (a *Authenticator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(a.config.Now),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.config.Issuer))
	}
	if a.config.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(a.config.Audience))
	}
	return opts
}

// jwksCache caches RSA public keys fetched from a JWKS endpoint.
// It is thread-safe and supports TTL-based cache invalidation.
type jwksCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey // kid -> public key
	fetchedAt time.Time
	ttl       time.Duration
	jwksURL   string
	client    *http.Client
	now       func() time.Time
}

// getKey returns the RSA public key for the given kid.
// It fetches from the JWKS endpoint if the cache is expired or the kid is
// unknown, which also picks up a rotated gateway key.
func (c *jwksCache) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && c.now().Sub(c.fetchedAt) < c.ttl {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed while we waited.
	if key, ok := c.keys[kid]; ok && c.now().Sub(c.fetchedAt) < c.ttl {
		return key, nil
	}

	if err := c.fetchJWKS(ctx); err != nil {
		return nil, err
	}

	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}
	return key, nil
}

// fetchJWKS fetches the key set and replaces the cache.
// Must be called with the write lock held.
func (c *jwksCache) fetchJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("creating JWKS request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading JWKS response: %w", err)
	}

	var doc token.JWKS
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("parsing JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		pub, err := token.ParseRSAPublicKey(jwk)
		if err != nil {
			slog.Warn("skipping JWKS key", "kid", jwk.Kid, "error", err)
			continue
		}
		keys[jwk.Kid] = pub
	}

	c.keys = keys
	c.fetchedAt = c.now()

	slog.Debug("JWKS cache refreshed", "keys", len(keys), "url", c.jwksURL)
	return nil
}
