package kubernetes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/secrets"
	"github.com/formbridge/gateway/pkg/storage"
)

var created = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func tenantSecret(name, tenantID string, data map[string]string, annotations map[string]string) *corev1.Secret {
	s := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         "gateway",
			Labels:            map[string]string{LabelTenantID: tenantID},
			Annotations:       annotations,
			CreationTimestamp: metav1.NewTime(created),
		},
		Data: make(map[string][]byte),
	}
	for k, v := range data {
		s.Data[k] = []byte(v)
	}
	return s
}

func newStore(t *testing.T, objs ...*corev1.Secret) *Store {
	t.Helper()
	scheme, err := NewScheme()
	if err != nil {
		t.Fatalf("NewScheme: %v", err)
	}
	b := fake.NewClientBuilder().WithScheme(scheme)
	for _, o := range objs {
		b = b.WithObjects(o)
	}
	return New(b.Build(), "gateway")
}

func TestGetSecret_CurrentAndPending(t *testing.T) {
	s := newStore(t, tenantSecret("tenant-abc123", "t_abc123",
		map[string]string{"current": "s3cr3t", "pending": "n3xt"}, nil))

	cur, err := s.GetSecret(context.Background(), "t_abc123", api.VersionCurrent)
	if err != nil {
		t.Fatalf("GetSecret(current): %v", err)
	}
	if cur.Value != "s3cr3t" || cur.Version != api.VersionCurrent || cur.Status != api.StatusActive {
		t.Errorf("current = %+v", cur)
	}

	pend, err := s.GetSecret(context.Background(), "t_abc123", api.VersionPending)
	if err != nil {
		t.Fatalf("GetSecret(pending): %v", err)
	}
	if pend.Value != "n3xt" {
		t.Errorf("pending value = %q", pend.Value)
	}
}

func TestGetSecret_NotFound(t *testing.T) {
	s := newStore(t,
		tenantSecret("tenant-a", "t_a", map[string]string{"current": "x"}, nil),
	)

	tests := []struct {
		name    string
		tenant  string
		version api.CredentialVersion
	}{
		{"unknown tenant", "t_missing", api.VersionCurrent},
		{"empty slot", "t_a", api.VersionPending},
		{"id too long for a label", strings.Repeat("a", 64), api.VersionCurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.GetSecret(context.Background(), tt.tenant, tt.version)
			if !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestGetSecret_Annotations(t *testing.T) {
	s := newStore(t, tenantSecret("tenant-b", "t_b",
		map[string]string{"current": "x", "pending": "y"},
		map[string]string{
			"gateway.formbridge.dev/current-status":     "revoked",
			"gateway.formbridge.dev/pending-expires-at": "2025-02-01T00:00:00Z",
		}))

	cur, err := s.GetSecret(context.Background(), "t_b", api.VersionCurrent)
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if cur.Status != api.StatusRevoked {
		t.Errorf("status = %s, want revoked", cur.Status)
	}

	pend, err := s.GetSecret(context.Background(), "t_b", api.VersionPending)
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	want := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	if !pend.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", pend.ExpiresAt, want)
	}
}

func TestGetSecret_BadAnnotation(t *testing.T) {
	s := newStore(t, tenantSecret("tenant-c", "t_c",
		map[string]string{"current": "x"},
		map[string]string{"gateway.formbridge.dev/current-expires-at": "tomorrow"}))

	_, err := s.GetSecret(context.Background(), "t_c", api.VersionCurrent)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want a parse error", err)
	}
}

func TestGetSecret_Ambiguous(t *testing.T) {
	s := newStore(t,
		tenantSecret("one", "t_d", map[string]string{"current": "x"}, nil),
		tenantSecret("two", "t_d", map[string]string{"current": "y"}, nil),
	)
	_, err := s.GetSecret(context.Background(), "t_d", api.VersionCurrent)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want an ambiguity error", err)
	}
}

func TestStore_WithResolver(t *testing.T) {
	s := newStore(t, tenantSecret("tenant-abc123", "t_abc123",
		map[string]string{"current": "s3cr3t"}, nil))

	r := secrets.NewResolver(s)
	res := r.Resolve(context.Background(), "t_abc123")
	if res.Outcome != secrets.Found || res.Credentials[0].Value != "s3cr3t" {
		t.Errorf("Resolve = %+v", res)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
