// Package token issues the signed context token the gateway forwards to the
// upstream service in X-Gateway-Context.
//
// Tokens are RS256 JWTs. The public half of the signing key is published as
// a JSON Web Key Set so upstreams can verify tokens without sharing a secret;
// the jwt subpackage of auth is the matching verifier.
package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/formbridge/gateway/pkg/api"
)

// HeaderContext carries the token on proxied requests.
const HeaderContext = "X-Gateway-Context"

// DefaultTTL bounds how long an issued token is accepted.
const DefaultTTL = 5 * time.Minute

// Claims are the gateway-specific claims carried next to the registered ones.
type Claims struct {
	TenantID          string `json:"tenant_id"`
	AuthMethod        string `json:"auth_method,omitempty"`
	CredentialVersion string `json:"credential_version,omitempty"`
	ValidatedAt       string `json:"validated_at,omitempty"`
	jwtlib.RegisteredClaims
}

// Issuer signs context tokens.
type Issuer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithIssuer sets the iss claim.
func WithIssuer(iss string) Option { return func(i *Issuer) { i.issuer = iss } }

// WithAudience sets the aud claim.
func WithAudience(aud string) Option { return func(i *Issuer) { i.audience = aud } }

// WithTTL sets the token lifetime.
func WithTTL(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(i *Issuer) { i.now = now } }

// NewIssuer creates an Issuer signing with key.
func NewIssuer(key *rsa.PrivateKey, opts ...Option) (*Issuer, error) {
	if key == nil {
		return nil, errors.New("token: signing key must not be nil")
	}
	i := &Issuer{
		key:    key,
		kid:    KeyID(&key.PublicKey),
		issuer: "gateway",
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// KeyID returns the key id of pub: a truncated SHA-256 of its modulus.
func KeyID(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}

// KeyID returns the kid placed in issued token headers.
func (i *Issuer) KeyID() string { return i.kid }

// Issue signs a token for an allow decision.
func (i *Issuer) Issue(d api.AuthDecision) (string, error) {
	if !d.Allowed {
		return "", errors.New("token: refusing to issue for a denied request")
	}
	now := i.now()
	claims := Claims{
		TenantID:          d.TenantID,
		AuthMethod:        d.Context[api.ContextAuthMethod],
		CredentialVersion: d.Context[api.ContextCredentialVersion],
		ValidatedAt:       d.Context[api.ContextValidatedAt],
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   d.TenantID,
			ID:        d.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(i.ttl)),
		},
	}
	if i.audience != "" {
		claims.Audience = jwtlib.ClaimStrings{i.audience}
	}

	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	tok.Header["kid"] = i.kid
	s, err := tok.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("signing context token: %w", err)
	}
	return s, nil
}

// JWK is a single JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is a JSON Web Key Set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicJWK encodes pub as an RS256 signing key.
func PublicJWK(pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Kid: KeyID(pub),
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// ParseRSAPublicKey constructs an *rsa.PublicKey from a JWK.
func ParseRSAPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	if jwk.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() {
		return nil, errors.New("RSA exponent too large")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}

// JWKS returns the key set containing the issuer's public key.
func (i *Issuer) JWKS() JWKS {
	return JWKS{Keys: []JWK{PublicJWK(&i.key.PublicKey)}}
}

// JWKSHandler serves the key set at /.well-known/jwks.json.
func (i *Issuer) JWKSHandler() http.Handler {
	doc, _ := json.Marshal(i.JWKS())
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Write(doc)
	})
}

// LoadKey reads a PEM encoded RSA private key (PKCS#1 or PKCS#8).
func LoadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	return ParseKey(data)
}

// ParseKey decodes a PEM encoded RSA private key.
func ParseKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key: no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key: %T is not an RSA key", k)
	}
	return rk, nil
}

// EncodeKey PEM encodes key as PKCS#1, the form LoadKey reads back.
func EncodeKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// GenerateKey creates an ephemeral 2048-bit key. Tokens signed with it stop
// verifying when the process restarts.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}
