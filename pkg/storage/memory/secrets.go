package memory

import (
	"context"
	"sync"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/secrets"
	"github.com/formbridge/gateway/pkg/storage"
)

var _ secrets.Admin = (*SecretStore)(nil)

type slotKey struct {
	tenantID string
	version  api.CredentialVersion
}

// SecretStore holds tenant credentials in memory.
type SecretStore struct {
	mu    sync.RWMutex
	creds map[slotKey]api.TenantCredential
}

// NewSecretStore creates an empty store.
func NewSecretStore() *SecretStore {
	return &SecretStore{creds: make(map[slotKey]api.TenantCredential)}
}

// GetSecret returns the credential in the given slot.
func (s *SecretStore) GetSecret(_ context.Context, tenantID string, version api.CredentialVersion) (api.TenantCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[slotKey{tenantID, version}]
	if !ok {
		return api.TenantCredential{}, storage.ErrNotFound
	}
	return c, nil
}

// PutSecret creates or replaces a credential.
func (s *SecretStore) PutSecret(_ context.Context, cred api.TenantCredential) error {
	// Re-run constructor validation on the caller's record.
	cred, err := api.NewTenantCredential(cred.TenantID, cred.Value, cred.Version, cred.CreatedAt, cred.ExpiresAt, cred.Status)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[slotKey{cred.TenantID, cred.Version}] = cred
	return nil
}

// Promote moves the pending credential into the current slot.
func (s *SecretStore) Promote(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pend, ok := s.creds[slotKey{tenantID, api.VersionPending}]
	if !ok {
		return storage.ErrNotFound
	}
	pend.Version = api.VersionCurrent
	s.creds[slotKey{tenantID, api.VersionCurrent}] = pend
	delete(s.creds, slotKey{tenantID, api.VersionPending})
	return nil
}

// Revoke marks a credential revoked.
func (s *SecretStore) Revoke(_ context.Context, tenantID string, version api.CredentialVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := slotKey{tenantID, version}
	c, ok := s.creds[k]
	if !ok {
		return storage.ErrNotFound
	}
	c.Status = api.StatusRevoked
	s.creds[k] = c
	return nil
}
