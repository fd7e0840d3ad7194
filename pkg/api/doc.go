// Package api defines the core record types for the gateway's authorization
// decision: tenant credentials, rate counters, failure records, lockout
// state, the inbound authentication request, and the decision itself.
//
// Records that carry constraints are built through constructors that
// enforce them, so the rest of the gateway never handles a half-valid
// credential or an unknown reason code.
//
// Core types:
//   - [TenantCredential]: a tenant signing secret in one rotation slot
//   - [AuthRequest]: the fields a client presents for verification
//   - [AuthDecision]: Allow or Deny with a [Reason] and downstream context
//   - [Scope]: the tenant or source address counters are tracked against
//   - [APIError]: structured error envelope for HTTP responses
//
// The package has no external dependencies and performs no I/O.
package api
