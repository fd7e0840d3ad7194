// Package auth turns gateway decisions into request identities.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle). A configurable default voter decides
// when all authenticators abstain.
//
// HMACAuthenticator verifies the X-Tenant-ID, X-Timestamp and X-Signature
// headers through an Authorizer (normally the decision engine). The jwt
// subpackage verifies the context token the gateway forwards downstream,
// and the token subpackage issues it.
//
// Auth is implemented as HTTP middleware, keeping it decoupled from engine
// logic. Every rejection produces the same 401 body whatever the internal
// reason. On success the identity is put in the request context.
package auth
