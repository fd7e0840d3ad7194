package secrets

import (
	"context"

	"github.com/formbridge/gateway/pkg/api"
)

// Admin manages stored credentials. The memory and postgres stores
// implement it; the Kubernetes store is read-only and Secrets are managed
// with kubectl instead.
type Admin interface {
	Store

	// PutSecret creates or replaces the credential in cred.Version's slot.
	PutSecret(ctx context.Context, cred api.TenantCredential) error

	// Promote makes the pending credential current, discarding the old
	// current one. Returns storage.ErrNotFound when there is no pending
	// credential.
	Promote(ctx context.Context, tenantID string) error

	// Revoke marks the credential in the given slot revoked. Returns
	// storage.ErrNotFound when the slot is empty.
	Revoke(ctx context.Context, tenantID string, version api.CredentialVersion) error
}
