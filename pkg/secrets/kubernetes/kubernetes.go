// Package kubernetes provides a secrets.Store backed by core/v1 Secrets.
//
// Each tenant owns one Secret in the configured namespace, labeled with
// LabelTenantID. The data keys "current" and "pending" hold the two
// rotation slots. Per-slot status and expiry are carried as annotations:
//
//	gateway.formbridge.dev/current-status: revoked
//	gateway.formbridge.dev/pending-expires-at: 2025-02-01T00:00:00Z
//
// Label values are limited to 63 characters, so tenant ids longer than
// that cannot be stored here.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/secrets"
	"github.com/formbridge/gateway/pkg/storage"
)

const (
	// LabelTenantID selects the Secret holding a tenant's credentials.
	LabelTenantID = "gateway.formbridge.dev/tenant-id"

	annotationPrefix = "gateway.formbridge.dev/"
)

var _ secrets.Store = (*Store)(nil)

// Store reads tenant credentials from Kubernetes Secrets.
type Store struct {
	client    client.Reader
	namespace string
}

// New creates a Store reading Secrets in namespace.
func New(c client.Reader, namespace string) *Store {
	return &Store{client: c, namespace: namespace}
}

// NewScheme returns a runtime.Scheme with the core/v1 types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register core/v1 types: %w", err)
	}
	return scheme, nil
}

// GetSecret returns the credential in the requested slot. A missing
// Secret or an empty slot yields storage.ErrNotFound.
func (s *Store) GetSecret(ctx context.Context, tenantID string, version api.CredentialVersion) (api.TenantCredential, error) {
	if !version.Valid() {
		return api.TenantCredential{}, fmt.Errorf("unknown credential version %q", version)
	}
	if errs := validation.IsValidLabelValue(tenantID); len(errs) > 0 {
		slog.Debug("tenant id not representable as label", "tenant_id", tenantID, "errors", errs)
		return api.TenantCredential{}, storage.ErrNotFound
	}

	var list corev1.SecretList
	if err := s.client.List(ctx, &list,
		client.InNamespace(s.namespace),
		client.MatchingLabels{LabelTenantID: tenantID},
	); err != nil {
		return api.TenantCredential{}, fmt.Errorf("list secrets for tenant %q: %w", tenantID, err)
	}

	switch len(list.Items) {
	case 0:
		return api.TenantCredential{}, storage.ErrNotFound
	case 1:
	default:
		return api.TenantCredential{}, fmt.Errorf("tenant %q matches %d secrets in %s", tenantID, len(list.Items), s.namespace)
	}

	secret := &list.Items[0]
	value, ok := secret.Data[string(version)]
	if !ok || len(value) == 0 {
		return api.TenantCredential{}, storage.ErrNotFound
	}

	status := api.StatusActive
	if v, ok := secret.Annotations[annotationKey(version, "status")]; ok {
		status = api.CredentialStatus(v)
	}

	var expiresAt time.Time
	if v, ok := secret.Annotations[annotationKey(version, "expires-at")]; ok {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return api.TenantCredential{}, fmt.Errorf("secret %s/%s: parsing %s: %w",
				secret.Namespace, secret.Name, annotationKey(version, "expires-at"), err)
		}
		expiresAt = t
	}

	cred, err := api.NewTenantCredential(tenantID, string(value), version,
		secret.CreationTimestamp.Time, expiresAt, status)
	if err != nil {
		return api.TenantCredential{}, fmt.Errorf("secret %s/%s: %w", secret.Namespace, secret.Name, err)
	}
	return cred, nil
}

// Ping verifies the API server is reachable and the namespace is readable.
func (s *Store) Ping(ctx context.Context) error {
	var list corev1.SecretList
	if err := s.client.List(ctx, &list, client.InNamespace(s.namespace), client.Limit(1)); err != nil {
		return fmt.Errorf("list secrets in %s: %w", s.namespace, err)
	}
	return nil
}

func annotationKey(version api.CredentialVersion, field string) string {
	return annotationPrefix + string(version) + "-" + field
}
