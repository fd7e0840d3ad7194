package api

// Context keys set on an allow decision.
const (
	ContextTenantID          = "tenant_id"
	ContextValidatedAt       = "validated_at"
	ContextDurationMS        = "duration_ms"
	ContextAuthMethod        = "auth_method"
	ContextCredentialVersion = "credential_version"
	ContextDecisionID        = "decision_id"

	// AuthMethodHMAC is the auth_method value for HMAC-verified requests.
	AuthMethodHMAC = "hmac"
)

// AuthDecision is the result of evaluating one AuthRequest. It is produced
// per request and never persisted.
type AuthDecision struct {
	ID       string
	Allowed  bool
	TenantID string
	Reason   Reason
	Context  map[string]string
}

// Allow builds an allow decision carrying context for downstream handlers.
func Allow(id, tenantID string, ctx map[string]string) AuthDecision {
	return AuthDecision{
		ID:       id,
		Allowed:  true,
		TenantID: tenantID,
		Context:  ctx,
	}
}

// Deny builds a deny decision.
func Deny(id, tenantID string, reason Reason) AuthDecision {
	return AuthDecision{
		ID:       id,
		TenantID: tenantID,
		Reason:   reason,
	}
}

// ExternalDecision is the wire form of a decision. Deny reasons are collapsed
// so a client cannot tell an unknown tenant from a bad signature.
type ExternalDecision struct {
	Allowed    bool              `json:"allowed"`
	TenantID   *string           `json:"tenant_id"`
	ReasonCode string            `json:"reason_code,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// External returns the client-safe form of the decision.
func (d AuthDecision) External() ExternalDecision {
	if !d.Allowed {
		return ExternalDecision{ReasonCode: "unauthorized"}
	}
	tenant := d.TenantID
	return ExternalDecision{
		Allowed:  true,
		TenantID: &tenant,
		Context:  d.Context,
	}
}
