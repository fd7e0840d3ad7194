package transport

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/formbridge/gateway/pkg/api"
)

func allowAll() Authorizer {
	return AuthorizerFunc(func(_ context.Context, req *api.AuthRequest) api.AuthDecision {
		return api.Allow("dec_test", req.TenantID, nil)
	})
}

func TestChainAppliesMiddlewareInOrder(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Authorizer) Authorizer {
			return AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
				order = append(order, name+":before")
				d := next.Authorize(ctx, req)
				order = append(order, name+":after")
				return d
			})
		}
	}

	handler := AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
		order = append(order, "handler")
		return api.AuthDecision{}
	})

	Chain(mw("first"), mw("second"), mw("third"))(handler).Authorize(context.Background(), &api.AuthRequest{})

	expected := []string{
		"first:before", "second:before", "third:before",
		"handler",
		"third:after", "second:after", "first:after",
	}
	if len(order) != len(expected) {
		t.Fatalf("execution order = %v, want %v", order, expected)
	}
	for i, got := range order {
		if got != expected[i] {
			t.Errorf("order[%d] = %q, want %q", i, got, expected[i])
		}
	}
}

func TestRecoveryDeniesOnPanic(t *testing.T) {
	handler := AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
		panic("test panic")
	})

	d := Recovery()(handler).Authorize(context.Background(), &api.AuthRequest{TenantID: "t_1"})

	if d.Allowed {
		t.Fatal("panic must not allow the request")
	}
	if d.Reason.Code != api.ReasonUpstreamUnavailable {
		t.Errorf("reason = %s, want upstream_unavailable", d.Reason)
	}
	if !api.ValidateDecisionID(d.ID) {
		t.Errorf("decision id %q is not well formed", d.ID)
	}
}

func TestRecoveryPassesThroughNormalExecution(t *testing.T) {
	d := Recovery()(allowAll()).Authorize(context.Background(), &api.AuthRequest{TenantID: "t_1"})
	if !d.Allowed || d.TenantID != "t_1" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestRequestIDGeneratesNewID(t *testing.T) {
	var captured string
	handler := AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
		captured = RequestIDFromContext(ctx)
		return api.AuthDecision{}
	})

	RequestID()(handler).Authorize(context.Background(), &api.AuthRequest{})

	if len(captured) != 36 {
		t.Errorf("request ID = %q, want a UUID", captured)
	}
}

func TestRequestIDPropagatesExisting(t *testing.T) {
	var captured string
	handler := AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
		captured = RequestIDFromContext(ctx)
		return api.AuthDecision{}
	})

	ctx := ContextWithRequestID(context.Background(), "existing-id-123")
	RequestID()(handler).Authorize(ctx, &api.AuthRequest{})

	if captured != "existing-id-123" {
		t.Errorf("request ID = %q, want %q", captured, "existing-id-123")
	}
}

func TestRequestIDUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	handler := AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
		ids[RequestIDFromContext(ctx)] = true
		return api.AuthDecision{}
	})

	wrapped := RequestID()(handler)
	for range 100 {
		wrapped.Authorize(context.Background(), &api.AuthRequest{})
	}
	if len(ids) != 100 {
		t.Errorf("expected 100 unique IDs, got %d", len(ids))
	}
}

func TestLoggingEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := ContextWithRequestID(context.Background(), "req-log-test")
	Logging(logger)(allowAll()).Authorize(ctx, &api.AuthRequest{TenantID: "t_abc123", SourceAddress: "203.0.113.5"})

	output := buf.String()
	for _, expected := range []string{"request_id=req-log-test", "tenant_id=t_abc123", "source=203.0.113.5", "allowed=true", "authorization completed"} {
		if !strings.Contains(output, expected) {
			t.Errorf("log output missing %q in:\n%s", expected, output)
		}
	}
}

func TestLoggingIncludesDenyReason(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
		return api.Deny("dec_x", req.TenantID, api.Reason{Code: api.ReasonRateLimited, Window: "minute"})
	})
	Logging(logger)(handler).Authorize(context.Background(), &api.AuthRequest{TenantID: "t_1"})

	output := buf.String()
	if !strings.Contains(output, "allowed=false") || !strings.Contains(output, "rate_limited{window=minute}") {
		t.Errorf("log output missing deny fields:\n%s", output)
	}
}

func TestWrapAppliesDefaults(t *testing.T) {
	var captured string
	handler := AuthorizerFunc(func(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
		captured = RequestIDFromContext(ctx)
		panic("boom")
	})

	d := Wrap(handler).Authorize(context.Background(), &api.AuthRequest{})
	if captured == "" {
		t.Error("Wrap did not assign a request ID")
	}
	if d.Allowed || d.Reason.Code != api.ReasonUpstreamUnavailable {
		t.Errorf("decision = %+v", d)
	}
}
