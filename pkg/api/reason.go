package api

import (
	"fmt"
	"time"
)

// ReasonCode is the internal, machine-readable cause of a decision.
// Reason codes are for logs and metrics only; clients see UnauthorizedMessage.
type ReasonCode string

const (
	ReasonNone                    ReasonCode = ""
	ReasonMissingField            ReasonCode = "missing_field"
	ReasonMalformedTimestamp      ReasonCode = "malformed_timestamp"
	ReasonTimestampOutOfTolerance ReasonCode = "timestamp_out_of_tolerance"
	ReasonDuplicateRequest        ReasonCode = "duplicate_request"
	ReasonMalformedSignature      ReasonCode = "malformed_signature"
	ReasonSignatureMismatch       ReasonCode = "signature_mismatch"
	ReasonUnknownTenant           ReasonCode = "unknown_tenant"
	ReasonRateLimited             ReasonCode = "rate_limited"
	ReasonLocked                  ReasonCode = "locked"
	ReasonUpstreamUnavailable     ReasonCode = "upstream_unavailable"
)

// UnauthorizedMessage is the only reason a denied client ever sees.
const UnauthorizedMessage = "Unauthorized"

// AllReasons lists every deny reason code.
var AllReasons = []ReasonCode{
	ReasonMissingField,
	ReasonMalformedTimestamp,
	ReasonTimestampOutOfTolerance,
	ReasonDuplicateRequest,
	ReasonMalformedSignature,
	ReasonSignatureMismatch,
	ReasonUnknownTenant,
	ReasonRateLimited,
	ReasonLocked,
	ReasonUpstreamUnavailable,
}

// ClientAttributable reports whether the reason stems from the caller rather
// than from the platform. Only client-attributable reasons may count
// toward a lockout.
func (c ReasonCode) ClientAttributable() bool {
	return c != ReasonNone && c != ReasonUpstreamUnavailable
}

// Severity is the audit severity of a deny reason.
func (c ReasonCode) Severity() string {
	switch c {
	case ReasonLocked, ReasonDuplicateRequest:
		return "high"
	case ReasonSignatureMismatch, ReasonMalformedSignature, ReasonUnknownTenant,
		ReasonTimestampOutOfTolerance, ReasonMalformedTimestamp:
		return "medium"
	case ReasonUpstreamUnavailable:
		return "critical"
	default:
		return "low"
	}
}

// Reason is a deny reason plus the diagnostics that go with it.
type Reason struct {
	Code ReasonCode

	// Window is the rate-limit window that rejected the request.
	Window string

	// Until is the end of an active lockout.
	Until time.Time

	// Detail is a free-form internal sub-reason, e.g. "wrong_length".
	Detail string
}

// String renders the reason for logs.
func (r Reason) String() string {
	switch {
	case r.Code == ReasonRateLimited && r.Window != "":
		return fmt.Sprintf("%s{window=%s}", r.Code, r.Window)
	case r.Code == ReasonLocked && !r.Until.IsZero():
		return fmt.Sprintf("%s{until=%s}", r.Code, r.Until.UTC().Format(time.RFC3339))
	case r.Detail != "":
		return fmt.Sprintf("%s{%s}", r.Code, r.Detail)
	}
	return string(r.Code)
}
