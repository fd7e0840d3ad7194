package api

// Header names carrying the authentication fields on HTTP transports.
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// AuthRequest carries the fields a client presents for verification.
// Body holds the exact received bytes; it is never re-encoded. A nil Body
// means the body was absent, an empty non-nil Body is a present empty body.
type AuthRequest struct {
	TenantID      string
	Timestamp     string
	Signature     string
	Body          []byte
	SourceAddress string
}

// MissingFields returns the names of required fields that are absent.
func (r *AuthRequest) MissingFields() []string {
	var missing []string
	if r.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if r.Timestamp == "" {
		missing = append(missing, "timestamp")
	}
	if r.Signature == "" {
		missing = append(missing, "signature")
	}
	if r.Body == nil {
		missing = append(missing, "body")
	}
	return missing
}
