// Package engine implements the gateway's authorization decision. The
// Engine evaluates one AuthRequest in a fixed order (lockout, rate
// limits, secret resolution, replay window, signature) and stops at the
// first failure. It records failures and successes with the abuse
// tracker, emits metrics and security audit logs, and returns an
// api.AuthDecision. Transports collapse every deny to Unauthorized.
package engine
