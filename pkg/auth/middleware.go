package auth

import (
	"log/slog"
	"net/http"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/transport"
)

// Middleware guards next with chain. Paths in bypassEndpoints skip it.
// Every rejection gets the same 401 body; only an oversized body is answered
// with 413. Admitted requests carry their Identity in the context.
func Middleware(chain *AuthChain, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)

			if IsBodyTooLarge(result) {
				transport.WriteAPIError(w, api.NewTooLargeError(transport.MaxBodySize))
				return
			}

			if result.Decision == No {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"request_id", transport.RequestIDFromContext(r.Context()),
					"error", result.Err,
				)
				transport.WriteUnauthorized(w)
				return
			}

			if result.Decision != Yes || result.Identity == nil {
				transport.WriteUnauthorized(w)
				return
			}

			if result.Identity.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				transport.WriteAPIError(w, api.NewServerError("internal authentication error"))
				return
			}

			slog.Debug("authentication succeeded",
				"subject", result.Identity.Subject,
				"method", result.Identity.Method,
				"path", r.URL.Path,
			)

			next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), result.Identity)))
		})
	}
}

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics", "/.well-known/jwks.json"}
