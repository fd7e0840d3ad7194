package api

import (
	"errors"
	"fmt"
	"time"
)

// CredentialVersion names the rotation slot a secret occupies.
type CredentialVersion string

const (
	// VersionCurrent is the authoritative secret for a tenant.
	VersionCurrent CredentialVersion = "current"

	// VersionPending exists only during rotation and is accepted
	// alongside the current secret.
	VersionPending CredentialVersion = "pending"
)

// Valid reports whether v is a known version.
func (v CredentialVersion) Valid() bool {
	return v == VersionCurrent || v == VersionPending
}

// CredentialStatus is the lifecycle state of a credential.
type CredentialStatus string

const (
	StatusActive  CredentialStatus = "active"
	StatusRevoked CredentialStatus = "revoked"
)

// Valid reports whether s is a known status.
func (s CredentialStatus) Valid() bool {
	return s == StatusActive || s == StatusRevoked
}

// Errors returned by NewTenantCredential.
var (
	ErrEmptyTenantID     = errors.New("tenant_id is required")
	ErrInvalidTenantID   = errors.New("tenant_id contains invalid characters")
	ErrEmptySecret       = errors.New("secret value is required")
	ErrInvalidVersion    = errors.New("version must be \"current\" or \"pending\"")
	ErrInvalidStatus     = errors.New("status must be \"active\" or \"revoked\"")
	ErrExpiryBeforeStart = errors.New("expires_at is before created_at")
)

// TenantCredential is a tenant's HMAC signing secret in one rotation slot.
// The external secret store owns it; the gateway only ever holds a cached,
// read-only copy.
type TenantCredential struct {
	TenantID  string            `json:"tenant_id"`
	Value     string            `json:"-"`
	Version   CredentialVersion `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at,omitzero"` // zero means no expiry
	Status    CredentialStatus  `json:"status"`
}

// NewTenantCredential builds a credential and enforces its field constraints.
func NewTenantCredential(tenantID, value string, version CredentialVersion, createdAt, expiresAt time.Time, status CredentialStatus) (TenantCredential, error) {
	var errs []error
	switch {
	case tenantID == "":
		errs = append(errs, ErrEmptyTenantID)
	case !ValidateTenantID(tenantID):
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID))
	}
	if value == "" {
		errs = append(errs, ErrEmptySecret)
	}
	if !version.Valid() {
		errs = append(errs, fmt.Errorf("%w, got %q", ErrInvalidVersion, version))
	}
	if !status.Valid() {
		errs = append(errs, fmt.Errorf("%w, got %q", ErrInvalidStatus, status))
	}
	if !expiresAt.IsZero() && expiresAt.Before(createdAt) {
		errs = append(errs, ErrExpiryBeforeStart)
	}
	if err := errors.Join(errs...); err != nil {
		return TenantCredential{}, err
	}

	return TenantCredential{
		TenantID:  tenantID,
		Value:     value,
		Version:   version,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Status:    status,
	}, nil
}

// Usable reports whether the credential may verify a signature at now.
// Revoked and expired credentials are never usable.
func (c TenantCredential) Usable(now time.Time) bool {
	if c.Status != StatusActive || c.Value == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}
