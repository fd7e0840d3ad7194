package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/formbridge/gateway/pkg/api"
)

// Vote is an authenticator's answer for one request.
type Vote int

const (
	// Yes admits the request with the returned identity and ends the chain.
	Yes Vote = iota

	// No rejects the request and ends the chain. Nothing later is consulted.
	No

	// Abstain means the request carries no credential this authenticator
	// understands.
	Abstain
)

func (v Vote) String() string {
	switch v {
	case Yes:
		return "yes"
	case No:
		return "no"
	case Abstain:
		return "abstain"
	}
	return "unknown"
}

// AuthResult is the outcome of one authentication attempt. Identity is set
// only for Yes and Err only for No.
type AuthResult struct {
	Decision Vote
	Identity *Identity
	Err      error
}

// Identity is an authenticated tenant. Metadata holds the decision context
// keyed by the api.Context* names.
type Identity struct {
	// Subject is the tenant id for both signed requests and context tokens.
	Subject string

	// Method is api.AuthMethodHMAC or the token method of the verifier.
	Method string

	Metadata map[string]string
}

// TenantID returns the verified tenant, or "" for a nil identity.
func (id *Identity) TenantID() string {
	return id.get(api.ContextTenantID)
}

// DecisionID returns the id of the decision that admitted the request.
func (id *Identity) DecisionID() string {
	return id.get(api.ContextDecisionID)
}

// ValidatedAt returns the RFC 3339 time the signature was accepted.
func (id *Identity) ValidatedAt() string {
	return id.get(api.ContextValidatedAt)
}

func (id *Identity) get(key string) string {
	if id == nil {
		return ""
	}
	return id.Metadata[key]
}

// Authenticator votes on a single request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) AuthResult
}

var (
	// ErrUnauthenticated is returned when no authenticator recognised the
	// request.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrDenied wraps every rejection produced by the decision engine.
	ErrDenied = errors.New("request denied")
)

// AuthChain asks each authenticator in turn. The first Yes or No wins.
type AuthChain struct {
	Authenticators []Authenticator

	// DefaultDecision applies when every authenticator abstains. Only No is
	// meaningful for the gateway; Yes admits an anonymous identity with no
	// tenant, which handleProxy still refuses.
	DefaultDecision Vote
}

// Authenticate runs the chain.
func (c *AuthChain) Authenticate(ctx context.Context, r *http.Request) AuthResult {
	for _, a := range c.Authenticators {
		if res := a.Authenticate(ctx, r); res.Decision != Abstain {
			return res
		}
	}
	if c.DefaultDecision == Yes {
		return AuthResult{Decision: Yes, Identity: &Identity{Subject: "anonymous", Method: "none"}}
	}
	return AuthResult{Decision: No, Err: ErrUnauthenticated}
}

type identityKey struct{}

// SetIdentity returns a copy of ctx carrying id.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity set by Middleware, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
