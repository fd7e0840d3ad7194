package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/formbridge/gateway/pkg/api"
)

// Recovery returns middleware that turns a panic in the wrapped Authorizer
// into an UpstreamUnavailable deny. The request is refused, never let
// through, and the server keeps serving.
func Recovery() Middleware {
	return func(next Authorizer) Authorizer {
		return AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) (d api.AuthDecision) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("authorizer panic recovered",
						"request_id", RequestIDFromContext(ctx),
						"panic", fmt.Sprint(r),
					)
					d = api.Deny(api.NewDecisionID(), req.TenantID, api.Reason{
						Code:   api.ReasonUpstreamUnavailable,
						Detail: "panic",
					})
				}
			}()
			return next.Authorize(ctx, req)
		})
	}
}
