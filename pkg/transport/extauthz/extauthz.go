// Package extauthz exposes the gateway decision as an Envoy external
// authorization (ext_authz v3) gRPC service.
//
// Envoy must be configured with with_request_body so the raw body reaches
// the signature check. Allowed requests continue upstream with the gateway
// headers added; denied requests are answered by Envoy with the uniform 401.
package extauthz

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/auth/token"
	"github.com/formbridge/gateway/pkg/debug"
	"github.com/formbridge/gateway/pkg/transport"
)

// Headers added to allowed requests. They match the HTTP proxy mode.
const (
	HeaderTenantID    = "x-gateway-tenant-id"
	HeaderValidatedAt = "x-gateway-validated-at"
	headerPrefix      = "x-gateway-"
)

// Server implements authv3.AuthorizationServer.
type Server struct {
	authv3.UnimplementedAuthorizationServer

	authz   transport.Authorizer
	issuer  *token.Issuer
	maxBody int64
	proxies transport.TrustedProxies
}

// Option configures a Server.
type Option func(*Server)

// WithIssuer adds a signed context token to allowed requests.
func WithIssuer(iss *token.Issuer) Option {
	return func(s *Server) { s.issuer = iss }
}

// WithMaxBodySize bounds the verified body.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithTrustedProxies sets the networks whose forwarding headers are
// believed. Envoy's downstream peer must be inside one of them for
// x-forwarded-for or x-real-ip to count.
func WithTrustedProxies(p transport.TrustedProxies) Option {
	return func(s *Server) { s.proxies = p }
}

// WithMiddleware wraps the authorizer with the given middleware chain.
func WithMiddleware(mws ...transport.Middleware) Option {
	return func(s *Server) {
		if len(mws) > 0 {
			s.authz = transport.Chain(mws...)(s.authz)
		}
	}
}

// New creates an ext_authz server around authz.
func New(authz transport.Authorizer, opts ...Option) (*Server, error) {
	if authz == nil {
		return nil, errors.New("extauthz: authorizer must not be nil")
	}
	s := &Server{authz: authz, maxBody: transport.MaxBodySize}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ authv3.AuthorizationServer = (*Server)(nil)

// Check evaluates one Envoy check request. Decisions are always returned as
// responses; a gRPC error would let Envoy apply its failure_mode_allow.
func (s *Server) Check(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	httpReq := req.GetAttributes().GetRequest().GetHttp()
	headers := httpReq.GetHeaders()

	if id := headers["x-request-id"]; id != "" {
		ctx = transport.ContextWithRequestID(ctx, id)
	}

	body := httpReq.GetRawBody()
	if len(body) == 0 && httpReq.GetBody() != "" {
		body = []byte(httpReq.GetBody())
	}
	if int64(len(body)) > s.maxBody || httpReq.GetSize() > s.maxBody {
		return denied(typev3.StatusCode_PayloadTooLarge, api.NewTooLargeError(s.maxBody)), nil
	}
	if body == nil {
		body = []byte{}
	}

	peer := req.GetAttributes().GetSource().GetAddress().GetSocketAddress().GetAddress()
	d := s.authz.Authorize(ctx, &api.AuthRequest{
		TenantID:      headers[strings.ToLower(api.HeaderTenantID)],
		Timestamp:     headers[strings.ToLower(api.HeaderTimestamp)],
		Signature:     headers[strings.ToLower(api.HeaderSignature)],
		Body:          body,
		SourceAddress: s.proxies.SourceAddress(headers["x-forwarded-for"], headers["x-real-ip"], peer),
	})
	if !d.Allowed {
		return denied(typev3.StatusCode_Unauthorized, api.NewUnauthorizedError()), nil
	}

	ok := &authv3.OkHttpResponse{
		Headers: []*corev3.HeaderValueOption{
			header(HeaderTenantID, d.TenantID),
			header(HeaderValidatedAt, d.Context[api.ContextValidatedAt]),
		},
	}
	if s.issuer != nil {
		tok, err := s.issuer.Issue(d)
		if err != nil {
			debug.Log("transport", "context token issue failed", "error", err)
			return denied(typev3.StatusCode_InternalServerError, api.NewServerError("internal authentication error")), nil
		}
		ok.Headers = append(ok.Headers, header(strings.ToLower(token.HeaderContext), tok))
	}
	for k := range headers {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, headerPrefix) && !setsHeader(ok, lk) {
			ok.HeadersToRemove = append(ok.HeadersToRemove, lk)
		}
	}

	return &authv3.CheckResponse{
		Status:       &rpcstatus.Status{Code: int32(codes.OK)},
		HttpResponse: &authv3.CheckResponse_OkResponse{OkResponse: ok},
	}, nil
}

func header(key, value string) *corev3.HeaderValueOption {
	return &corev3.HeaderValueOption{
		Header:       &corev3.HeaderValue{Key: key, Value: value},
		AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
	}
}

func setsHeader(ok *authv3.OkHttpResponse, key string) bool {
	for _, h := range ok.Headers {
		if h.GetHeader().GetKey() == key {
			return true
		}
	}
	return false
}

func denied(code typev3.StatusCode, apiErr *api.APIError) *authv3.CheckResponse {
	body, _ := json.Marshal(api.ErrorResponse{Error: apiErr})
	grpcCode := codes.Unauthenticated
	if code == typev3.StatusCode_PayloadTooLarge {
		grpcCode = codes.InvalidArgument
	} else if code == typev3.StatusCode_InternalServerError {
		grpcCode = codes.Internal
	}
	return &authv3.CheckResponse{
		Status: &rpcstatus.Status{Code: int32(grpcCode), Message: apiErr.Message},
		HttpResponse: &authv3.CheckResponse_DeniedResponse{
			DeniedResponse: &authv3.DeniedHttpResponse{
				Status:  &typev3.HttpStatus{Code: code},
				Headers: []*corev3.HeaderValueOption{header("content-type", "application/json")},
				Body:    string(body),
			},
		},
	}
}

// Register adds the authorization and health services to gs.
func (s *Server) Register(gs *grpc.Server) *health.Server {
	authv3.RegisterAuthorizationServer(gs, s)
	hs := health.NewServer()
	hs.SetServingStatus(authv3.Authorization_ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// Serve runs a gRPC server on ln until ctx is done, then stops it
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	hs := s.Register(gs)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	hs.Shutdown()
	gs.GracefulStop()
	return nil
}
