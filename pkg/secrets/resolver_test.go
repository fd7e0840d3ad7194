package secrets

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/storage"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeStore serves credentials from a map and can inject per-version errors.
type fakeStore struct {
	mu    sync.Mutex
	creds map[string]api.TenantCredential
	errs  map[api.CredentialVersion]error
	calls atomic.Int32
	delay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		creds: make(map[string]api.TenantCredential),
		errs:  make(map[api.CredentialVersion]error),
	}
}

func (f *fakeStore) put(tenantID, value string, version api.CredentialVersion, status api.CredentialStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[tenantID+"/"+string(version)] = api.TenantCredential{
		TenantID: tenantID, Value: value, Version: version, CreatedAt: epoch, Status: status,
	}
}

func (f *fakeStore) GetSecret(ctx context.Context, tenantID string, version api.CredentialVersion) (api.TenantCredential, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return api.TenantCredential{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[version]; err != nil {
		return api.TenantCredential{}, err
	}
	c, ok := f.creds[tenantID+"/"+string(version)]
	if !ok {
		return api.TenantCredential{}, storage.ErrNotFound
	}
	return c, nil
}

func fixedClock() func() time.Time { return func() time.Time { return epoch } }

func TestResolve_FoundAndCached(t *testing.T) {
	store := newFakeStore()
	store.put("t_abc123", "s3cr3t", api.VersionCurrent, api.StatusActive)
	r := NewResolver(store, WithClock(fixedClock()))

	res := r.Resolve(context.Background(), "t_abc123")
	if res.Outcome != Found || res.Cached {
		t.Fatalf("first Resolve = %+v, want uncached Found", res)
	}
	if len(res.Credentials) != 1 || res.Credentials[0].Value != "s3cr3t" {
		t.Fatalf("Credentials = %+v", res.Credentials)
	}
	calls := store.calls.Load()

	res = r.Resolve(context.Background(), "t_abc123")
	if res.Outcome != Found || !res.Cached {
		t.Fatalf("second Resolve = %+v, want cached Found", res)
	}
	if store.calls.Load() != calls {
		t.Errorf("cache hit still queried the store")
	}
}

func TestResolve_NotFound(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(store)

	res := r.Resolve(context.Background(), "t_missing")
	if res.Outcome != NotFound {
		t.Fatalf("Outcome = %v, want not_found", res.Outcome)
	}
	if r.Cache().Len() != 0 {
		t.Error("negative result was cached")
	}
}

func TestResolve_CurrentNotFoundSkipsPending(t *testing.T) {
	store := newFakeStore()
	store.put("t_1", "next", api.VersionPending, api.StatusActive)
	r := NewResolver(store)

	if res := r.Resolve(context.Background(), "t_1"); res.Outcome != NotFound {
		t.Fatalf("Outcome = %v, want not_found", res.Outcome)
	}
	if n := store.calls.Load(); n != 1 {
		t.Errorf("store calls = %d, want 1", n)
	}
}

func TestResolve_RevokedOrExpiredIsNotFound(t *testing.T) {
	store := newFakeStore()
	store.put("t_rev", "x", api.VersionCurrent, api.StatusRevoked)
	store.creds["t_exp/current"] = api.TenantCredential{
		TenantID: "t_exp", Value: "x", Version: api.VersionCurrent,
		CreatedAt: epoch.Add(-2 * time.Hour), ExpiresAt: epoch.Add(-time.Hour), Status: api.StatusActive,
	}
	r := NewResolver(store, WithClock(fixedClock()))

	for _, id := range []string{"t_rev", "t_exp"} {
		if res := r.Resolve(context.Background(), id); res.Outcome != NotFound {
			t.Errorf("Resolve(%s) = %v, want not_found", id, res.Outcome)
		}
	}
}

func TestResolve_RotationOverlap(t *testing.T) {
	store := newFakeStore()
	store.put("t_1", "old", api.VersionCurrent, api.StatusActive)
	store.put("t_1", "new", api.VersionPending, api.StatusActive)

	r := NewResolver(store, WithClock(fixedClock()))
	res := r.Resolve(context.Background(), "t_1")
	if res.Outcome != Found || len(res.Credentials) != 2 {
		t.Fatalf("Resolve = %+v, want both credentials", res)
	}
	if res.Credentials[0].Version != api.VersionCurrent || res.Credentials[1].Version != api.VersionPending {
		t.Errorf("credential order = %s, %s", res.Credentials[0].Version, res.Credentials[1].Version)
	}

	r = NewResolver(store, WithClock(fixedClock()), WithRotationOverlap(false))
	res = r.Resolve(context.Background(), "t_1")
	if len(res.Credentials) != 1 {
		t.Errorf("overlap disabled: got %d credentials, want 1", len(res.Credentials))
	}
}

func TestResolve_FallsBackToPendingOnError(t *testing.T) {
	store := newFakeStore()
	store.put("t_1", "new", api.VersionPending, api.StatusActive)
	store.errs[api.VersionCurrent] = errors.New("connection reset")
	r := NewResolver(store, WithClock(fixedClock()))

	res := r.Resolve(context.Background(), "t_1")
	if res.Outcome != Found || res.Credentials[0].Value != "new" {
		t.Fatalf("Resolve = %+v, want pending credential", res)
	}
	if r.Cache().Len() != 0 {
		t.Error("fallback result was cached")
	}
}

func TestResolve_UnavailableWhenBothFail(t *testing.T) {
	store := newFakeStore()
	store.errs[api.VersionCurrent] = errors.New("connection reset")
	r := NewResolver(store)

	res := r.Resolve(context.Background(), "t_1")
	if res.Outcome != Unavailable {
		t.Fatalf("Outcome = %v, want unavailable", res.Outcome)
	}
	if !errors.Is(res.Err, ErrUnavailable) {
		t.Errorf("Err = %v, want ErrUnavailable", res.Err)
	}
}

func TestResolve_TimeoutIsUnavailable(t *testing.T) {
	store := newFakeStore()
	store.put("t_1", "s", api.VersionCurrent, api.StatusActive)
	store.delay = time.Second
	r := NewResolver(store, WithTimeout(20*time.Millisecond))

	start := time.Now()
	res := r.Resolve(context.Background(), "t_1")
	if res.Outcome != Unavailable {
		t.Fatalf("Outcome = %v, want unavailable", res.Outcome)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want deadline exceeded", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Resolve took %v, timeout not applied", elapsed)
	}
}

func TestWithTimeout_Capped(t *testing.T) {
	r := NewResolver(newFakeStore(), WithTimeout(time.Minute))
	if r.timeout != MaxTimeout {
		t.Errorf("timeout = %v, want %v", r.timeout, MaxTimeout)
	}
}

func TestResolve_ConcurrentMissesCollapse(t *testing.T) {
	store := newFakeStore()
	store.put("t_1", "s", api.VersionCurrent, api.StatusActive)
	store.delay = 50 * time.Millisecond
	r := NewResolver(store, WithRotationOverlap(false))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := r.Resolve(context.Background(), "t_1"); res.Outcome != Found {
				t.Errorf("Outcome = %v", res.Outcome)
			}
		}()
	}
	wg.Wait()

	// Callers that arrive after the first load finishes hit the cache, so
	// the store sees exactly one call.
	if n := store.calls.Load(); n != 1 {
		t.Errorf("store calls = %d, want 1", n)
	}
}

func TestResolve_InvalidateForcesReload(t *testing.T) {
	store := newFakeStore()
	store.put("t_1", "old", api.VersionCurrent, api.StatusActive)
	r := NewResolver(store, WithRotationOverlap(false))

	r.Resolve(context.Background(), "t_1")
	store.put("t_1", "new", api.VersionCurrent, api.StatusActive)
	r.Invalidate("t_1")

	res := r.Resolve(context.Background(), "t_1")
	if res.Cached || res.Credentials[0].Value != "new" {
		t.Errorf("Resolve after Invalidate = %+v", res)
	}
}

func TestResolve_CachedCredentialExpires(t *testing.T) {
	now := epoch
	clock := func() time.Time { return now }
	store := newFakeStore()
	store.creds["t_1/current"] = api.TenantCredential{
		TenantID: "t_1", Value: "s", Version: api.VersionCurrent,
		CreatedAt: epoch, ExpiresAt: epoch.Add(time.Minute), Status: api.StatusActive,
	}
	r := NewResolver(store, WithClock(clock), WithCache(NewCache(time.Hour).WithClock(clock)))

	if res := r.Resolve(context.Background(), "t_1"); res.Outcome != Found {
		t.Fatalf("Outcome = %v", res.Outcome)
	}
	now = epoch.Add(2 * time.Minute)
	if res := r.Resolve(context.Background(), "t_1"); res.Outcome != NotFound {
		t.Errorf("expired cached credential: Outcome = %v, want not_found", res.Outcome)
	}
}
