package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// Policy document constants.
const (
	PolicyVersion         = "2012-10-17"
	PolicyAction          = "execute-api:Invoke"
	EffectAllow           = "Allow"
	EffectDeny            = "Deny"
	UnauthorizedPrincipal = "unauthorized"
)

// AuthorizeRequest is the body of POST /v1/authorize: a description of the
// request a fronting gateway wants evaluated.
type AuthorizeRequest struct {
	// MethodArn identifies the resource being invoked. It is echoed into the
	// policy statement.
	MethodArn string `json:"methodArn"`

	// Headers are matched case-insensitively.
	Headers map[string]string `json:"headers"`

	// Body is the raw request body; nil means the body was absent.
	Body *string `json:"body"`

	// IsBase64Encoded marks Body as base64 of the raw bytes.
	IsBase64Encoded bool `json:"isBase64Encoded,omitempty"`

	// SourceIP is the caller address as seen by the fronting gateway.
	SourceIP string `json:"sourceIp,omitempty"`
}

// Header returns the value of the named header, ignoring case.
func (r *AuthorizeRequest) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	canon := http.CanonicalHeaderKey(name)
	for k, v := range r.Headers {
		if http.CanonicalHeaderKey(k) == canon {
			return v
		}
	}
	return ""
}

// RawBody returns the exact body bytes, or nil when the body is absent.
func (r *AuthorizeRequest) RawBody() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	if !r.IsBase64Encoded {
		return append([]byte{}, *r.Body...), nil
	}
	b, err := base64.StdEncoding.DecodeString(*r.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 body: %w", err)
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

// PolicyStatement is one statement of a policy document.
type PolicyStatement struct {
	Action   string `json:"Action"`
	Effect   string `json:"Effect"`
	Resource string `json:"Resource"`
}

// PolicyDocument is an IAM-style policy.
type PolicyDocument struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

// PolicyResponse is the reply of POST /v1/authorize.
type PolicyResponse struct {
	PrincipalID    string            `json:"principalId"`
	PolicyDocument PolicyDocument    `json:"policyDocument"`
	Context        map[string]string `json:"context"`
}

// Policy renders a decision as a policy document for resource. A deny never
// reveals the tenant or the reason: its context is the fixed
// UnauthorizedMessage and a timestamp.
func (d AuthDecision) Policy(resource string, now time.Time) PolicyResponse {
	if !d.Allowed {
		return PolicyResponse{
			PrincipalID:    UnauthorizedPrincipal,
			PolicyDocument: policyDocument(EffectDeny, resource),
			Context: map[string]string{
				"error":     UnauthorizedMessage,
				"timestamp": now.UTC().Format(time.RFC3339),
			},
		}
	}

	ctx := map[string]string{
		ContextTenantID:    d.TenantID,
		ContextValidatedAt: d.Context[ContextValidatedAt],
		ContextDurationMS:  d.Context[ContextDurationMS],
		ContextAuthMethod:  AuthMethodHMAC,
	}
	if ctx[ContextDurationMS] == "" {
		ctx[ContextDurationMS] = "0"
	}
	return PolicyResponse{
		PrincipalID:    d.TenantID,
		PolicyDocument: policyDocument(EffectAllow, resource),
		Context:        ctx,
	}
}

func policyDocument(effect, resource string) PolicyDocument {
	return PolicyDocument{
		Version: PolicyVersion,
		Statement: []PolicyStatement{{
			Action:   PolicyAction,
			Effect:   effect,
			Resource: resource,
		}},
	}
}
