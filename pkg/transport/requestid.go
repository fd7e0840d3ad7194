package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/formbridge/gateway/pkg/api"
)

// HeaderRequestID carries the request ID in and out of the transports.
const HeaderRequestID = "X-Request-ID"

// RequestID returns middleware that assigns a unique request ID to each
// request. An ID already in the context (taken from the X-Request-ID header
// or the Envoy request id) is kept.
func RequestID() Middleware {
	return func(next Authorizer) Authorizer {
		return AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, uuid.NewString())
			}
			return next.Authorize(ctx, req)
		})
	}
}
