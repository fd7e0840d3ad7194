package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/formbridge/gateway/pkg/api"
)

// Logging returns middleware that emits one structured log entry per
// decision: request ID, tenant, source, outcome and duration. The internal
// reason is included; these logs never reach the client.
func Logging(logger *slog.Logger) Middleware {
	return func(next Authorizer) Authorizer {
		return AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
			log := logger
			if log == nil {
				log = slog.Default()
			}
			start := time.Now()

			d := next.Authorize(ctx, req)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("decision_id", d.ID),
				slog.String("tenant_id", req.TenantID),
				slog.String("source", req.SourceAddress),
				slog.Bool("allowed", d.Allowed),
				slog.Duration("duration", time.Since(start)),
			}
			if !d.Allowed {
				attrs = append(attrs, slog.String("reason", d.Reason.String()))
			}
			log.LogAttrs(ctx, slog.LevelInfo, "authorization completed", attrs...)
			return d
		})
	}
}
