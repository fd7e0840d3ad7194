package transport

import (
	"context"

	"github.com/formbridge/gateway/pkg/api"
)

// Authorizer evaluates one authentication request. Implementations must
// always return a decision; failures surface as deny reasons, never errors.
type Authorizer interface {
	Authorize(ctx context.Context, req *api.AuthRequest) api.AuthDecision
}

// AuthorizerFunc is an adapter that allows using an ordinary function as an
// Authorizer.
type AuthorizerFunc func(ctx context.Context, req *api.AuthRequest) api.AuthDecision

// Authorize calls f(ctx, req).
func (f AuthorizerFunc) Authorize(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
	return f(ctx, req)
}

// Pinger is implemented by backends that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to a Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f(ctx).
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }
