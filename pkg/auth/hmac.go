package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/transport"
)

// HMACAuthenticator authenticates requests signed with a tenant secret.
// It abstains when none of the signature headers is present, so other
// authenticators may run first in a chain.
type HMACAuthenticator struct {
	authz   transport.Authorizer
	maxBody int64
	proxies transport.TrustedProxies
}

// NewHMACAuthenticator creates an authenticator that delegates the decision
// to authz. maxBody bounds the body read; zero means transport.MaxBodySize.
// Forwarding headers are honored only from peers inside proxies.
func NewHMACAuthenticator(authz transport.Authorizer, maxBody int64, proxies transport.TrustedProxies) *HMACAuthenticator {
	if maxBody <= 0 {
		maxBody = transport.MaxBodySize
	}
	return &HMACAuthenticator{authz: authz, maxBody: maxBody, proxies: proxies}
}

// Authenticate reads the signature headers and the raw body, restores the
// body for downstream handlers, and asks the authorizer for a decision.
//
// Decision outcomes:
//   - Abstain: no signature header at all
//   - No: body too large, or the authorizer denied (Err wraps ErrDenied)
//   - Yes: allowed; the identity carries the decision context
func (a *HMACAuthenticator) Authenticate(ctx context.Context, r *http.Request) AuthResult {
	tenant := r.Header.Get(api.HeaderTenantID)
	ts := r.Header.Get(api.HeaderTimestamp)
	sig := r.Header.Get(api.HeaderSignature)
	if tenant == "" && ts == "" && sig == "" {
		return AuthResult{Decision: Abstain}
	}

	body, err := transport.ReadBody(r, a.maxBody)
	if err != nil {
		return AuthResult{Decision: No, Err: err}
	}

	d := a.authz.Authorize(ctx, &api.AuthRequest{
		TenantID:      tenant,
		Timestamp:     ts,
		Signature:     sig,
		Body:          body,
		SourceAddress: a.proxies.ClientIP(r),
	})
	if !d.Allowed {
		return AuthResult{
			Decision: No,
			Err:      fmt.Errorf("%w: %s (decision %s)", ErrDenied, d.Reason, d.ID),
		}
	}

	meta := maps.Clone(d.Context)
	if meta == nil {
		meta = make(map[string]string)
	}
	meta[api.ContextTenantID] = d.TenantID
	if meta[api.ContextDecisionID] == "" {
		meta[api.ContextDecisionID] = d.ID
	}
	return AuthResult{
		Decision: Yes,
		Identity: &Identity{
			Subject:  d.TenantID,
			Method:   api.AuthMethodHMAC,
			Metadata: meta,
		},
	}
}

// IsBodyTooLarge reports whether a No result was caused by an oversized body
// rather than by a denial.
func IsBodyTooLarge(result AuthResult) bool {
	return result.Decision == No && errors.Is(result.Err, transport.ErrBodyTooLarge)
}
