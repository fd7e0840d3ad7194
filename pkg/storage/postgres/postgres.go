// Package postgres provides PostgreSQL-backed gateway stores: tenant
// credentials with rotation slots, fixed-window counters, failure records,
// lockouts and replay nonces. It uses pgx/v5 connection pooling.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formbridge/gateway/pkg/abuse"
	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/ratelimit"
	"github.com/formbridge/gateway/pkg/replay"
	"github.com/formbridge/gateway/pkg/secrets"
	"github.com/formbridge/gateway/pkg/storage"
)

var (
	_ secrets.Admin          = (*Store)(nil)
	_ ratelimit.CounterStore = (*Store)(nil)
	_ abuse.Store            = (*Store)(nil)
	_ replay.DedupStore      = (*Store)(nil)
)

// Store is a PostgreSQL-backed gateway store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New connects to PostgreSQL with the given configuration. If
// MigrateOnStart is true, schema migrations are applied.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool, now: time.Now}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

// GetSecret reads one credential slot.
func (s *Store) GetSecret(ctx context.Context, tenantID string, version api.CredentialVersion) (api.TenantCredential, error) {
	var (
		c         api.TenantCredential
		expiresAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, version, secret, status, created_at, expires_at
		FROM tenant_credentials
		WHERE tenant_id = $1 AND version = $2
	`, tenantID, string(version)).Scan(
		&c.TenantID, &c.Version, &c.Value, &c.Status, &c.CreatedAt, &expiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return api.TenantCredential{}, storage.ErrNotFound
	}
	if err != nil {
		return api.TenantCredential{}, fmt.Errorf("querying credential: %w", err)
	}
	if expiresAt != nil {
		c.ExpiresAt = *expiresAt
	}
	return c, nil
}

// PutSecret upserts a credential slot.
func (s *Store) PutSecret(ctx context.Context, cred api.TenantCredential) error {
	cred, err := api.NewTenantCredential(cred.TenantID, cred.Value, cred.Version, cred.CreatedAt, cred.ExpiresAt, cred.Status)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_credentials (tenant_id, version, secret, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, version) DO UPDATE SET
			secret = EXCLUDED.secret,
			status = EXCLUDED.status,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, cred.TenantID, string(cred.Version), cred.Value, string(cred.Status), cred.CreatedAt, nullTime(cred.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// Promote replaces the current credential with the pending one.
func (s *Store) Promote(ctx context.Context, tenantID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM tenant_credentials WHERE tenant_id = $1 AND version = 'pending')
		`, tenantID).Scan(&exists); err != nil {
			return fmt.Errorf("checking pending credential: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM tenant_credentials WHERE tenant_id = $1 AND version = 'current'
		`, tenantID); err != nil {
			return fmt.Errorf("removing current credential: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE tenant_credentials SET version = 'current' WHERE tenant_id = $1 AND version = 'pending'
		`, tenantID); err != nil {
			return fmt.Errorf("promoting pending credential: %w", err)
		}
		return nil
	})
}

// Revoke marks a credential slot revoked.
func (s *Store) Revoke(ctx context.Context, tenantID string, version api.CredentialVersion) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE tenant_credentials SET status = 'revoked' WHERE tenant_id = $1 AND version = $2
	`, tenantID, string(version))
	if err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Increment upserts the window counter and returns its new value. The
// single statement makes the check-and-increment atomic.
func (s *Store) Increment(ctx context.Context, scopeKey, window string, windowStart time.Time, ttl time.Duration) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_counters (scope_key, window_name, window_start, count, expires_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (scope_key, window_name, window_start)
		DO UPDATE SET count = rate_counters.count + 1
		RETURNING count
	`, scopeKey, window, windowStart, s.now().Add(ttl)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing counter: %w", err)
	}
	return count, nil
}

// AddFailure records a failure and returns the count inside the horizon.
func (s *Store) AddFailure(ctx context.Context, scopeKey string, at time.Time, horizon time.Duration) (int64, error) {
	var count int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM auth_failures WHERE scope_key = $1 AND failed_at <= $2
		`, scopeKey, at.Add(-horizon)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO auth_failures (scope_key, failed_at) VALUES ($1, $2)
		`, scopeKey, at); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			SELECT count(*) FROM auth_failures WHERE scope_key = $1
		`, scopeKey).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("recording failure: %w", err)
	}
	return count, nil
}

// ResetFailures deletes all failures for a scope.
func (s *Store) ResetFailures(ctx context.Context, scopeKey string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_failures WHERE scope_key = $1`, scopeKey); err != nil {
		return fmt.Errorf("resetting failures: %w", err)
	}
	return nil
}

// GetLockout returns the stored lockout or nil. Expired rows are returned
// until Sweep removes them; callers check Active.
func (s *Store) GetLockout(ctx context.Context, scopeKey string) (*api.LockoutState, error) {
	var state api.LockoutState
	err := s.pool.QueryRow(ctx, `
		SELECT scope_key, locked_until, reason FROM lockouts WHERE scope_key = $1
	`, scopeKey).Scan(&state.ScopeKey, &state.LockedUntil, &state.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying lockout: %w", err)
	}
	return &state, nil
}

// SetLockout upserts a lockout. Expiry is decided by comparing
// locked_until with the caller's clock, so ttl is unused.
func (s *Store) SetLockout(ctx context.Context, state api.LockoutState, _ time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lockouts (scope_key, locked_until, reason) VALUES ($1, $2, $3)
		ON CONFLICT (scope_key) DO UPDATE SET locked_until = EXCLUDED.locked_until, reason = EXCLUDED.reason
	`, state.ScopeKey, state.LockedUntil, string(state.Reason))
	if err != nil {
		return fmt.Errorf("setting lockout: %w", err)
	}
	return nil
}

// ClearLockout deletes a lockout.
func (s *Store) ClearLockout(ctx context.Context, scopeKey string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM lockouts WHERE scope_key = $1`, scopeKey); err != nil {
		return fmt.Errorf("clearing lockout: %w", err)
	}
	return nil
}

// Remember inserts a nonce, or takes over an expired one. It reports
// whether the key was absent or expired.
func (s *Store) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	var nonce string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO replay_nonces (nonce, expires_at) VALUES ($1, $2)
		ON CONFLICT (nonce) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE replay_nonces.expires_at <= $3
		RETURNING nonce
	`, key, now.Add(ttl), now).Scan(&nonce)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("recording nonce: %w", err)
	}
	return true, nil
}

// SweepResult counts rows removed by Sweep.
type SweepResult struct {
	Counters int64
	Failures int64
	Lockouts int64
	Nonces   int64
}

// Sweep deletes expired counters, nonces and lockouts, and failures older
// than the horizon.
func (s *Store) Sweep(ctx context.Context, failureHorizon time.Duration) (SweepResult, error) {
	now := s.now()
	var res SweepResult
	steps := []struct {
		sql  string
		arg  time.Time
		dest *int64
	}{
		{`DELETE FROM rate_counters WHERE expires_at <= $1`, now, &res.Counters},
		{`DELETE FROM auth_failures WHERE failed_at <= $1`, now.Add(-failureHorizon), &res.Failures},
		{`DELETE FROM lockouts WHERE locked_until <= $1`, now, &res.Lockouts},
		{`DELETE FROM replay_nonces WHERE expires_at <= $1`, now, &res.Nonces},
	}
	for _, step := range steps {
		tag, err := s.pool.Exec(ctx, step.sql, step.arg)
		if err != nil {
			return res, fmt.Errorf("sweeping: %w", err)
		}
		*step.dest = tag.RowsAffected()
	}
	return res, nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isDuplicateKey reports a unique violation (23505), which a concurrent
// first insert of the same nonce can raise.
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
