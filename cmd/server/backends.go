package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/formbridge/gateway/pkg/abuse"
	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/config"
	"github.com/formbridge/gateway/pkg/ratelimit"
	"github.com/formbridge/gateway/pkg/replay"
	"github.com/formbridge/gateway/pkg/secrets"
	"github.com/formbridge/gateway/pkg/secrets/kubernetes"
	"github.com/formbridge/gateway/pkg/storage/memory"
	"github.com/formbridge/gateway/pkg/storage/postgres"
	"github.com/formbridge/gateway/pkg/storage/redis"
	"github.com/formbridge/gateway/pkg/transport"
)

// backends holds the stores selected by configuration.
type backends struct {
	secrets  secrets.Store
	counters ratelimit.CounterStore
	lockouts abuse.Store
	dedup    replay.DedupStore

	// postgres is set when any backend uses PostgreSQL; it needs sweeping.
	postgres *postgres.Store

	checks  map[string]transport.Pinger
	closers []func() error
}

// Close releases every opened backend.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// kubeClientFunc builds the Kubernetes reader. Replaced in tests.
var kubeClientFunc = func() (client.Reader, error) {
	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	scheme, err := kubernetes.NewScheme()
	if err != nil {
		return nil, err
	}
	return client.New(restCfg, client.Options{Scheme: scheme})
}

// openBackends connects the secret and counter stores named in cfg.
func openBackends(ctx context.Context, cfg *config.Config) (_ *backends, err error) {
	b := &backends{checks: map[string]transport.Pinger{}}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.Secrets.Backend == "postgres" || cfg.Counters.Backend == "postgres" {
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.postgres = pg
		b.checks["postgres"] = pg
		b.closers = append(b.closers, pg.Close)
	}

	switch cfg.Secrets.Backend {
	case "memory", "static":
		store, err := staticSecrets(cfg.Secrets.Static, time.Now())
		if err != nil {
			return nil, err
		}
		b.secrets = store
	case "postgres":
		b.secrets = b.postgres
	case "kubernetes":
		c, err := kubeClientFunc()
		if err != nil {
			return nil, err
		}
		ks := kubernetes.New(c, cfg.Secrets.Kubernetes.Namespace)
		b.secrets = ks
		b.checks["kubernetes"] = ks
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Secrets.Backend)
	}

	switch cfg.Counters.Backend {
	case "memory":
		dedup := memory.NewDedup(memory.WithMaxEntries(cfg.Replay.MaxEntries))
		b.closers = append(b.closers, dedup.Close)
		b.counters = memory.NewCounters()
		b.lockouts = memory.NewLockouts()
		b.dedup = dedup
	case "redis":
		rc := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Counters.Redis.Addr,
			Password: cfg.Counters.Redis.Password,
			DB:       cfg.Counters.Redis.DB,
		})
		rs := redis.New(rc, cfg.Counters.Redis.Prefix)
		b.closers = append(b.closers, rs.Close)
		b.checks["redis"] = rs
		b.counters, b.lockouts, b.dedup = rs, rs, rs
	case "postgres":
		b.counters, b.lockouts, b.dedup = b.postgres, b.postgres, b.postgres
	default:
		return nil, fmt.Errorf("unknown counters backend %q", cfg.Counters.Backend)
	}

	slog.Info("backends ready",
		"secrets", cfg.Secrets.Backend,
		"counters", cfg.Counters.Backend,
		"static_tenants", len(cfg.Secrets.Static),
	)
	return b, nil
}

// staticSecrets seeds an in-memory secret store from configuration.
func staticSecrets(entries []config.StaticSecret, now time.Time) (*memory.SecretStore, error) {
	store := memory.NewSecretStore()
	for i, e := range entries {
		version := api.VersionCurrent
		if e.Version != "" {
			version = api.CredentialVersion(e.Version)
		}
		cred, err := api.NewTenantCredential(e.TenantID, e.Secret, version, now, time.Time{}, api.StatusActive)
		if err != nil {
			return nil, fmt.Errorf("secrets.static[%d]: %w", i, err)
		}
		if err := store.PutSecret(context.Background(), cred); err != nil {
			return nil, fmt.Errorf("secrets.static[%d]: %w", i, err)
		}
	}
	return store, nil
}

// sweepLoop removes expired PostgreSQL rows every interval until ctx is done.
func sweepLoop(ctx context.Context, pg *postgres.Store, interval, horizon time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := pg.Sweep(ctx, horizon)
			if err != nil {
				slog.Warn("postgres sweep failed", "error", err)
				continue
			}
			slog.Debug("postgres sweep", "counters", res.Counters, "nonces", res.Nonces, "failures", res.Failures, "lockouts", res.Lockouts)
		}
	}
}
