package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/formbridge/gateway/pkg/abuse"
	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/debug"
	"github.com/formbridge/gateway/pkg/ratelimit"
	"github.com/formbridge/gateway/pkg/replay"
	"github.com/formbridge/gateway/pkg/secrets"
	"github.com/formbridge/gateway/pkg/signature"
)

const tracerName = "github.com/formbridge/gateway/pkg/engine"

// SecretResolver resolves tenant credentials.
type SecretResolver interface {
	Resolve(ctx context.Context, tenantID string) secrets.Resolution
}

// RateLimiter counts requests per tenant and per source address.
type RateLimiter interface {
	CheckTenant(ctx context.Context, tenantID string) ratelimit.Decision
	CheckSource(ctx context.Context, addr string) ratelimit.Decision
}

// AbuseTracker records failures and reports lockouts.
type AbuseTracker interface {
	IsLocked(ctx context.Context, scope api.Scope) abuse.Status
	RecordFailure(ctx context.Context, scope api.Scope, reason api.ReasonCode) (abuse.Outcome, error)
	RecordSuccess(ctx context.Context, scope api.Scope) error
}

// ReplayChecker validates the timestamp window and exact resubmissions.
type ReplayChecker interface {
	Check(ctx context.Context, timestamp, tenantID, signature string) replay.Result
}

// Deps are the collaborators of an Engine. Metrics may be nil.
type Deps struct {
	Secrets SecretResolver
	Limiter RateLimiter
	Abuse   AbuseTracker
	Replay  ReplayChecker
	Metrics MetricsSink
}

// Engine evaluates authorization requests. It holds no per-request state;
// all shared state lives in the collaborators' stores.
type Engine struct {
	secrets SecretResolver
	limiter RateLimiter
	abuse   AbuseTracker
	replay  ReplayChecker
	metrics MetricsSink
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
	tracer  trace.Tracer
}

// New creates an Engine. Every collaborator except Metrics is required.
func New(deps Deps, cfg Config) (*Engine, error) {
	var errs []error
	if deps.Secrets == nil {
		errs = append(errs, errors.New("engine: secret resolver must not be nil"))
	}
	if deps.Limiter == nil {
		errs = append(errs, errors.New("engine: rate limiter must not be nil"))
	}
	if deps.Abuse == nil {
		errs = append(errs, errors.New("engine: abuse tracker must not be nil"))
	}
	if deps.Replay == nil {
		errs = append(errs, errors.New("engine: replay guard must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = nopSink{}
	}

	return &Engine{
		secrets: deps.Secrets,
		limiter: deps.Limiter,
		abuse:   deps.Abuse,
		replay:  deps.Replay,
		metrics: deps.Metrics,
		cfg:     cfg,
		now:     cfg.now(),
		log:     cfg.logger(),
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// evaluation carries per-request values through the checks.
type evaluation struct {
	id     string
	req    *api.AuthRequest
	tenant api.Scope
	source api.Scope
	start  time.Time
}

// Authorize evaluates one request and returns the decision.
func (e *Engine) Authorize(ctx context.Context, req *api.AuthRequest) api.AuthDecision {
	ev := &evaluation{
		id:     api.NewDecisionID(),
		req:    req,
		tenant: api.TenantScope(req.TenantID),
		source: api.SourceScope(req.SourceAddress),
		start:  e.now(),
	}

	ctx, span := e.tracer.Start(ctx, "gateway.Authorize",
		trace.WithAttributes(attribute.String("gateway.decision_id", ev.id)))
	defer span.End()

	d := e.evaluate(ctx, ev)

	elapsed := e.now().Sub(ev.start)
	e.metrics.Emit(MetricValidationDuration, float64(elapsed.Microseconds())/1000, nil)

	outcome := "allow"
	if !d.Allowed {
		outcome = "deny"
	}
	e.metrics.Emit(MetricDecisions, 1, map[string]string{"outcome": outcome, "reason": string(d.Reason.Code)})

	span.SetAttributes(
		attribute.Bool("gateway.allowed", d.Allowed),
		attribute.String("gateway.reason", string(d.Reason.Code)),
	)
	if d.Allowed {
		span.SetAttributes(attribute.String("gateway.tenant_id", d.TenantID))
		e.log.Debug("authorization allowed",
			"decision_id", d.ID, "tenant_id", d.TenantID, "source", req.SourceAddress,
			"duration_ms", elapsed.Milliseconds())
	} else {
		if d.Reason.Code == api.ReasonUpstreamUnavailable {
			span.SetStatus(codes.Error, d.Reason.String())
		}
		e.audit(ctx, ev, d)
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, ev *evaluation) api.AuthDecision {
	req := ev.req

	// 1. Required fields and tenant id shape.
	if missing := req.MissingFields(); len(missing) > 0 {
		e.metrics.Emit(MetricMissingHeaders, 1, nil)
		return e.deny(ev, api.Reason{Code: api.ReasonMissingField, Detail: strings.Join(missing, ",")})
	}
	if !api.ValidateTenantID(req.TenantID) {
		e.metrics.Emit(MetricInvalidTenant, 1, map[string]string{"cause": "invalid_format"})
		reason := api.Reason{Code: api.ReasonUnknownTenant, Detail: "invalid_format"}
		e.recordFailure(ctx, reason.Code, ev.source)
		return e.deny(ev, reason)
	}

	// 2. Lockouts supersede everything else.
	for _, scope := range ev.scopes() {
		st := e.abuse.IsLocked(ctx, scope)
		if st.Unavailable && st.Locked {
			e.metrics.Emit(MetricUpstreamUnavailable, 1, map[string]string{"component": "abuse"})
			return e.deny(ev, api.Reason{Code: api.ReasonUpstreamUnavailable, Detail: "lockout_store"})
		}
		if st.Locked {
			e.metrics.Emit(MetricLocked, 1, map[string]string{"scope": string(scope.Kind)})
			return e.deny(ev, api.Reason{Code: api.ReasonLocked, Until: st.Until, Detail: string(scope.Kind)})
		}
	}

	// 3. Rate limits, tenant first.
	if d, denied := e.rateLimit(ctx, ev, api.ScopeTenant, e.limiter.CheckTenant(ctx, req.TenantID)); denied {
		return d
	}
	if !ev.source.IsZero() {
		if d, denied := e.rateLimit(ctx, ev, api.ScopeSource, e.limiter.CheckSource(ctx, req.SourceAddress)); denied {
			return d
		}
	}

	// 4. Secret resolution.
	res := e.secrets.Resolve(ctx, req.TenantID)
	if res.Cached {
		e.metrics.Emit(MetricSecretCacheHits, 1, nil)
	} else {
		e.metrics.Emit(MetricSecretCacheMisses, 1, nil)
	}
	switch res.Outcome {
	case secrets.Unavailable:
		e.log.Warn("secret store unavailable", "decision_id", ev.id, "tenant_id", req.TenantID, "error", res.Err)
		e.metrics.Emit(MetricUpstreamUnavailable, 1, map[string]string{"component": "secrets"})
		return e.deny(ev, api.Reason{Code: api.ReasonUpstreamUnavailable, Detail: "secret_store"})
	case secrets.NotFound:
		e.metrics.Emit(MetricInvalidTenant, 1, map[string]string{"cause": "unknown"})
		return e.fail(ctx, ev, api.Reason{Code: api.ReasonUnknownTenant})
	}

	// 5. Timestamp window and resubmission.
	rr := e.replay.Check(ctx, req.Timestamp, req.TenantID, req.Signature)
	switch rr.Verdict {
	case replay.Malformed:
		e.metrics.Emit(MetricInvalidTimestamp, 1, map[string]string{"cause": "malformed"})
		return e.fail(ctx, ev, api.Reason{Code: api.ReasonMalformedTimestamp})
	case replay.TooOld, replay.TooNew:
		e.metrics.Emit(MetricInvalidTimestamp, 1, map[string]string{"cause": rr.Verdict.String()})
		return e.fail(ctx, ev, api.Reason{
			Code:   api.ReasonTimestampOutOfTolerance,
			Detail: rr.Verdict.String() + ",skew=" + rr.Skew.Round(time.Millisecond).String(),
		})
	case replay.DuplicateSeen:
		e.metrics.Emit(MetricDuplicateRequest, 1, nil)
		return e.fail(ctx, ev, api.Reason{Code: api.ReasonDuplicateRequest})
	case replay.Unavailable:
		e.metrics.Emit(MetricUpstreamUnavailable, 1, map[string]string{"component": "replay"})
		return e.deny(ev, api.Reason{Code: api.ReasonUpstreamUnavailable, Detail: "dedup_store"})
	}

	// 6. Signature, trying the pending credential after a current mismatch.
	var (
		matched *api.TenantCredential
		failure signature.Failure
	)
	for i := range res.Credentials {
		vr := signature.Verify([]byte(res.Credentials[i].Value), req.Timestamp, req.Body, req.Signature)
		if vr.OK() {
			matched = &res.Credentials[i]
			break
		}
		failure = vr.Failure
		if failure != signature.FailureMismatch {
			break
		}
	}
	if matched == nil {
		e.metrics.Emit(MetricInvalidSignature, 1, map[string]string{"cause": failure.String()})
		code := api.ReasonSignatureMismatch
		if failure.Malformed() {
			code = api.ReasonMalformedSignature
		}
		return e.fail(ctx, ev, api.Reason{Code: code, Detail: failure.String()})
	}

	// 7. Success.
	for _, scope := range ev.scopes() {
		if err := e.abuse.RecordSuccess(ctx, scope); err != nil {
			e.log.Warn("resetting failure history failed", "scope", scope.Key(), "error", err)
		}
	}
	e.metrics.Emit(MetricSuccessfulValidations, 1, map[string]string{"credential_version": string(matched.Version)})

	now := e.now()
	return api.Allow(ev.id, req.TenantID, map[string]string{
		api.ContextTenantID:          req.TenantID,
		api.ContextValidatedAt:       now.UTC().Format(time.RFC3339),
		api.ContextDurationMS:        strconv.FormatInt(now.Sub(ev.start).Milliseconds(), 10),
		api.ContextAuthMethod:        api.AuthMethodHMAC,
		api.ContextCredentialVersion: string(matched.Version),
		api.ContextDecisionID:        ev.id,
	})
}

// rateLimit turns a limiter decision into a deny when it rejects.
func (e *Engine) rateLimit(ctx context.Context, ev *evaluation, kind api.ScopeKind, d ratelimit.Decision) (api.AuthDecision, bool) {
	if d.Allowed {
		if d.Unavailable {
			e.metrics.Emit(MetricRateLimitFailOpen, 1, map[string]string{"scope": string(kind)})
		}
		return api.AuthDecision{}, false
	}
	if d.Unavailable {
		e.metrics.Emit(MetricUpstreamUnavailable, 1, map[string]string{"component": "ratelimit"})
		return e.deny(ev, api.Reason{Code: api.ReasonUpstreamUnavailable, Detail: "counter_store"}), true
	}

	e.metrics.Emit(MetricRateLimited, 1, map[string]string{"scope": string(kind), "window": d.Window})
	reason := api.Reason{
		Code:   api.ReasonRateLimited,
		Window: d.Window,
	}
	if e.cfg.RecordRateLimitFailures {
		e.recordFailure(ctx, reason.Code, ev.scopes()...)
	}
	debug.Log("engine", "rate limited", "decision_id", ev.id, "scope", string(kind),
		"window", d.Window, "count", d.Count, "limit", d.Limit)
	return e.deny(ev, reason), true
}

// fail records a client-attributable failure against both scopes and denies.
func (e *Engine) fail(ctx context.Context, ev *evaluation, reason api.Reason) api.AuthDecision {
	e.recordFailure(ctx, reason.Code, ev.scopes()...)
	return e.deny(ev, reason)
}

func (e *Engine) recordFailure(ctx context.Context, code api.ReasonCode, scopes ...api.Scope) {
	for _, scope := range scopes {
		if scope.IsZero() {
			continue
		}
		out, err := e.abuse.RecordFailure(ctx, scope, code)
		if err != nil {
			e.log.Warn("recording failure failed", "scope", scope.Key(), "reason", code, "error", err)
			continue
		}
		if out.Locked {
			e.metrics.Emit(MetricLockoutsCreated, 1, map[string]string{"scope": string(scope.Kind)})
		}
	}
}

func (e *Engine) deny(ev *evaluation, reason api.Reason) api.AuthDecision {
	return api.Deny(ev.id, ev.req.TenantID, reason)
}

// audit writes the security event for a deny. It carries the full
// internal reason; clients only ever see Unauthorized.
func (e *Engine) audit(ctx context.Context, ev *evaluation, d api.AuthDecision) {
	attrs := []slog.Attr{
		slog.String("event", "security_event"),
		slog.String("severity", d.Reason.Code.Severity()),
		slog.String("decision_id", d.ID),
		slog.String("reason", d.Reason.String()),
		slog.String("reason_code", string(d.Reason.Code)),
		slog.String("tenant_id", ev.req.TenantID),
		slog.String("source", ev.req.SourceAddress),
	}
	if d.Reason.Window != "" {
		attrs = append(attrs, slog.String("window", d.Reason.Window))
	}
	if !d.Reason.Until.IsZero() {
		attrs = append(attrs, slog.Time("locked_until", d.Reason.Until.UTC()))
	}
	e.log.LogAttrs(ctx, slog.LevelWarn, "authorization denied", attrs...)
}

func (ev *evaluation) scopes() []api.Scope {
	if ev.source.IsZero() {
		return []api.Scope{ev.tenant}
	}
	return []api.Scope{ev.tenant, ev.source}
}
