package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/transport"
)

const unauthorizedBody = `{"error":{"type":"unauthorized","message":"Unauthorized"}}` + "\n"

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_BypassEndpoint(t *testing.T) {
	chain := &AuthChain{DefaultDecision: No}
	handler := Middleware(chain, []string{"/healthz"})(okHandler())

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("bypass endpoint: status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_NoAuth_Rejects(t *testing.T) {
	chain := &AuthChain{DefaultDecision: No}
	handler := Middleware(chain, DefaultBypassEndpoints)(okHandler())

	req := httptest.NewRequest("POST", "/submissions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status = %d, want 401", rec.Code)
	}
	if rec.Body.String() != unauthorizedBody {
		t.Errorf("body = %q, want %q", rec.Body.String(), unauthorizedBody)
	}
}

func TestMiddleware_ValidAuth_Passes(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{
				Decision: Yes,
				Identity: &Identity{Subject: "t_abc123", Metadata: map[string]string{"tenant_id": "t_abc123"}},
			}},
		},
		DefaultDecision: No,
	}

	var gotTenant string
	handler := Middleware(chain, DefaultBypassEndpoints)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		gotTenant = id.TenantID()
		if id == nil || id.Subject != "t_abc123" {
			t.Error("expected identity 't_abc123' in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/submissions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("valid auth: status = %d, want 200", rec.Code)
	}
	if gotTenant != "t_abc123" {
		t.Errorf("tenant = %q, want %q", gotTenant, "t_abc123")
	}
}

func TestMiddleware_EmptySubject_ServerError(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{&mockAuthn{result: AuthResult{Decision: Yes, Identity: &Identity{}}}},
	}
	rec := httptest.NewRecorder()
	Middleware(chain, nil)(okHandler()).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMiddleware_UniformRejection(t *testing.T) {
	reasons := []api.ReasonCode{
		api.ReasonSignatureMismatch,
		api.ReasonUnknownTenant,
		api.ReasonLocked,
		api.ReasonRateLimited,
		api.ReasonUpstreamUnavailable,
	}
	for _, code := range reasons {
		t.Run(string(code), func(t *testing.T) {
			authz := transport.AuthorizerFunc(func(_ context.Context, req *api.AuthRequest) api.AuthDecision {
				return api.Deny("dec_x", req.TenantID, api.Reason{Code: code})
			})
			chain := &AuthChain{Authenticators: []Authenticator{NewHMACAuthenticator(authz, 0, nil)}}

			req := httptest.NewRequest("POST", "/submissions", strings.NewReader("{}"))
			req.Header.Set(api.HeaderTenantID, "t_abc123")
			req.Header.Set(api.HeaderTimestamp, "2025-01-01T00:00:00Z")
			req.Header.Set(api.HeaderSignature, strings.Repeat("0", 64))
			rec := httptest.NewRecorder()
			Middleware(chain, nil)(okHandler()).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized || rec.Body.String() != unauthorizedBody {
				t.Errorf("got %d %q", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMiddleware_BodyTooLarge(t *testing.T) {
	called := false
	authz := transport.AuthorizerFunc(func(_ context.Context, req *api.AuthRequest) api.AuthDecision {
		called = true
		return api.Allow("dec_x", req.TenantID, nil)
	})
	chain := &AuthChain{Authenticators: []Authenticator{NewHMACAuthenticator(authz, 0, nil)}}

	req := httptest.NewRequest("POST", "/submissions", strings.NewReader(strings.Repeat("x", int(transport.MaxBodySize)+1)))
	req.Header.Set(api.HeaderTenantID, "t_abc123")
	rec := httptest.NewRecorder()
	Middleware(chain, nil)(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if called {
		t.Error("authorizer ran for an oversized body")
	}
}

func TestMiddleware_BodyReachesHandler(t *testing.T) {
	authz := transport.AuthorizerFunc(func(_ context.Context, req *api.AuthRequest) api.AuthDecision {
		return api.Allow("dec_x", req.TenantID, nil)
	})
	chain := &AuthChain{Authenticators: []Authenticator{NewHMACAuthenticator(authz, 0, nil)}}

	var got string
	handler := Middleware(chain, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
	}))

	req := httptest.NewRequest("POST", "/submissions", strings.NewReader(`{"name":"x"}`))
	req.Header.Set(api.HeaderTenantID, "t_abc123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != `{"name":"x"}` {
		t.Errorf("downstream body = %q", got)
	}
}
