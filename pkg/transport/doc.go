// Package transport defines the authorizer contract shared by the gateway's
// transports and the middleware chain wrapped around it.
//
// The HTTP adapter (transport/http) and the Envoy external authorization
// server (transport/extauthz) both turn their wire request into an
// api.AuthRequest and hand it to an Authorizer. Middleware adds panic
// recovery, request ID assignment (X-Request-ID) and structured logging via
// log/slog without either transport knowing about them.
//
// The package also carries the helpers every transport needs at the
// boundary: client address extraction, bounded body reads, and the JSON
// error envelope.
package transport
