package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/auth"
	"github.com/formbridge/gateway/pkg/auth/token"
	"github.com/formbridge/gateway/pkg/debug"
	"github.com/formbridge/gateway/pkg/observability"
	"github.com/formbridge/gateway/pkg/transport"
)

// Headers set on proxied requests. Inbound headers with the same prefix are
// removed first so a client cannot forge them.
const (
	HeaderGatewayTenantID    = "X-Gateway-Tenant-ID"
	HeaderGatewayValidatedAt = "X-Gateway-Validated-At"
	gatewayHeaderPrefix      = "X-Gateway-"
)

// Adapter serves the authorize endpoint, the optional reverse proxy and the
// operational endpoints over HTTP.
type Adapter struct {
	authz    transport.Authorizer
	chain    *auth.AuthChain
	issuer   *token.Issuer
	upstream *url.URL
	proxy    *httputil.ReverseProxy
	checks   []readinessCheck
	mux      *http.ServeMux
	config   Config
	now      func() time.Time
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	// MaxBodySize bounds the verified body. Larger bodies get 413 before
	// any store is touched.
	MaxBodySize int64

	// UpstreamURL enables proxy mode: authenticated requests to any path
	// not served by the gateway itself are forwarded there.
	UpstreamURL string

	// Metrics exposes /metrics.
	Metrics bool

	// ReadinessTimeout bounds each readiness check.
	ReadinessTimeout time.Duration

	// TrustedProxies are the peers whose forwarding headers, and whose
	// envelope sourceIp, are believed. Empty means the peer address is
	// always the source.
	TrustedProxies transport.TrustedProxies
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize:      transport.MaxBodySize,
		Metrics:          true,
		ReadinessTimeout: 2 * time.Second,
	}
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithIssuer attaches a context token to proxied requests and serves the
// issuer's key set at /.well-known/jwks.json.
func WithIssuer(iss *token.Issuer) Option {
	return func(a *Adapter) { a.issuer = iss }
}

// WithReadinessCheck adds a backend to /readyz.
func WithReadinessCheck(name string, p transport.Pinger) Option {
	return func(a *Adapter) { a.checks = append(a.checks, readinessCheck{name: name, pinger: p}) }
}

// WithMiddleware wraps the authorizer with the given middleware chain.
func WithMiddleware(mws ...transport.Middleware) Option {
	return func(a *Adapter) {
		if len(mws) > 0 {
			a.authz = transport.Chain(mws...)(a.authz)
		}
	}
}

// WithClock overrides the clock used for deny policy timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter creates an HTTP adapter around authz.
func NewAdapter(authz transport.Authorizer, cfg Config, opts ...Option) (*Adapter, error) {
	if authz == nil {
		return nil, errors.New("http adapter: authorizer must not be nil")
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = transport.MaxBodySize
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = 2 * time.Second
	}

	a := &Adapter{
		authz:  authz,
		mux:    http.NewServeMux(),
		config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.UpstreamURL != "" {
		u, err := url.Parse(cfg.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("http adapter: invalid upstream url %q", cfg.UpstreamURL)
		}
		a.upstream = u
		a.proxy = a.newReverseProxy()
	}

	a.chain = &auth.AuthChain{
		Authenticators:  []auth.Authenticator{auth.NewHMACAuthenticator(a.authz, cfg.MaxBodySize, cfg.TrustedProxies)},
		DefaultDecision: auth.No,
	}

	a.mux.HandleFunc("POST /v1/authorize", a.handleAuthorize)
	a.mux.HandleFunc("GET /healthz", handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	if cfg.Metrics {
		a.mux.Handle("GET /metrics", promhttp.Handler())
	}
	if a.issuer != nil {
		a.mux.Handle("GET /.well-known/jwks.json", a.issuer.JWKSHandler())
	}
	if a.proxy != nil {
		a.mux.Handle("/", auth.Middleware(a.chain, auth.DefaultBypassEndpoints)(http.HandlerFunc(a.handleProxy)))
	}

	return a, nil
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// request ID propagation and request metrics.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(observability.MetricsMiddleware(a.mux))
}

// httpRequestIDMiddleware propagates X-Request-ID: a client value is kept,
// otherwise a new ID is generated. Either way it is put in the context and
// echoed on the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(transport.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(transport.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(transport.ContextWithRequestID(r.Context(), id)))
	})
}

// handleAuthorize handles POST /v1/authorize. Every well-formed call gets a
// 200 with an Allow or Deny policy; deny policies never vary with the reason.
func (a *Adapter) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	// The envelope may carry the body base64 encoded plus headers.
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize*2+64<<10)

	var req api.AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteAPIError(w, api.NewTooLargeError(a.config.MaxBodySize))
			return
		}
		transport.WriteAPIError(w, api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()))
		return
	}

	body, err := req.RawBody()
	if err != nil {
		transport.WriteAPIError(w, api.NewInvalidRequestError("body", err.Error()))
		return
	}
	if int64(len(body)) > a.config.MaxBodySize {
		transport.WriteAPIError(w, api.NewTooLargeError(a.config.MaxBodySize))
		return
	}

	proxies := a.config.TrustedProxies
	source := proxies.SourceAddress(req.Header("X-Forwarded-For"), req.Header("X-Real-IP"), r.RemoteAddr)
	if req.SourceIP != "" && proxies.Contains(r.RemoteAddr) {
		source = req.SourceIP
	}

	d := a.authz.Authorize(r.Context(), &api.AuthRequest{
		TenantID:      req.Header(api.HeaderTenantID),
		Timestamp:     req.Header(api.HeaderTimestamp),
		Signature:     req.Header(api.HeaderSignature),
		Body:          body,
		SourceAddress: source,
	})

	writeJSON(w, http.StatusOK, d.Policy(req.MethodArn, a.now()))
}

// handleProxy forwards an authenticated request upstream with the gateway
// headers attached. auth.Middleware has already rejected everything else.
func (a *Adapter) handleProxy(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if id == nil || id.TenantID() == "" {
		transport.WriteUnauthorized(w)
		return
	}

	out := r.Clone(r.Context())
	for k := range out.Header {
		if strings.HasPrefix(k, gatewayHeaderPrefix) {
			out.Header.Del(k)
		}
	}
	out.Header.Set(HeaderGatewayTenantID, id.TenantID())
	out.Header.Set(HeaderGatewayValidatedAt, id.ValidatedAt())

	if a.issuer != nil {
		d := api.Allow(id.DecisionID(), id.TenantID(), id.Metadata)
		tok, err := a.issuer.Issue(d)
		if err != nil {
			transport.WriteAPIError(w, api.NewServerError("could not issue context token"))
			return
		}
		out.Header.Set(token.HeaderContext, tok)
	}

	debug.Log("transport", "proxying request", "tenant_id", id.TenantID(), "path", r.URL.Path)
	a.proxy.ServeHTTP(w, out)
}

func (a *Adapter) newReverseProxy() *httputil.ReverseProxy {
	upstream := a.upstream
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			debug.Log("transport", "upstream error", "error", err)
			transport.WriteErrorResponse(w, api.NewServerError("upstream unavailable"), http.StatusBadGateway)
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
