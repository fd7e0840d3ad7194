// Command server runs the HMAC authentication gateway.
//
// Configuration is read from a YAML file (--config, GATEWAY_CONFIG,
// ./config.yaml or /etc/gateway/config.yaml), an optional .env file and
// GATEWAY_* environment variables. See pkg/config for the full list.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/formbridge/gateway/pkg/abuse"
	"github.com/formbridge/gateway/pkg/auth/token"
	"github.com/formbridge/gateway/pkg/config"
	"github.com/formbridge/gateway/pkg/debug"
	"github.com/formbridge/gateway/pkg/engine"
	"github.com/formbridge/gateway/pkg/observability"
	"github.com/formbridge/gateway/pkg/ratelimit"
	"github.com/formbridge/gateway/pkg/replay"
	"github.com/formbridge/gateway/pkg/secrets"
	"github.com/formbridge/gateway/pkg/transport"
	"github.com/formbridge/gateway/pkg/transport/extauthz"
	transporthttp "github.com/formbridge/gateway/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)
	if cats := debug.Categories(); len(cats) > 0 {
		slog.Info("debug logging enabled", "categories", cats)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	gw, err := newGateway(cfg, b)
	if err != nil {
		return err
	}

	proxies, err := cfg.Server.Proxies()
	if err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}

	httpOpts := []transporthttp.ServerOption{
		transporthttp.WithAddr(":" + strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithTrustedProxies(proxies),
		transporthttp.WithUpstream(cfg.Proxy.UpstreamURL),
		transporthttp.WithMetrics(cfg.Observability.Metrics.Enabled),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	}
	var adapterOpts []transporthttp.Option
	for name, p := range b.checks {
		adapterOpts = append(adapterOpts, transporthttp.WithReadinessCheck(name, p))
	}
	if gw.issuer != nil {
		adapterOpts = append(adapterOpts, transporthttp.WithIssuer(gw.issuer))
	}
	httpOpts = append(httpOpts, transporthttp.WithAdapterOptions(adapterOpts...))

	srv, err := transporthttp.NewServer(gw.engine, httpOpts...)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	var (
		ext   *extauthz.Server
		grpcL net.Listener
	)
	if cfg.GRPC.Enabled {
		extOpts := []extauthz.Option{
			extauthz.WithMaxBodySize(cfg.Server.MaxBodySize),
			extauthz.WithTrustedProxies(proxies),
		}
		if gw.issuer != nil {
			extOpts = append(extOpts, extauthz.WithIssuer(gw.issuer))
		}
		if ext, err = extauthz.New(transport.Wrap(gw.engine), extOpts...); err != nil {
			return fmt.Errorf("creating ext_authz server: %w", err)
		}
		if grpcL, err = net.Listen("tcp", ":"+strconv.Itoa(cfg.GRPC.Port)); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gw.sink.Run(gctx)
		return nil
	})
	g.Go(func() error { return srv.Run(gctx) })

	if ext != nil {
		slog.Info("ext_authz server starting", "addr", grpcL.Addr().String())
		g.Go(func() error { return ext.Serve(gctx, grpcL) })
	}

	if b.postgres != nil && cfg.Postgres.SweepInterval > 0 {
		g.Go(func() error {
			sweepLoop(gctx, b.postgres, cfg.Postgres.SweepInterval, cfg.Abuse.Horizon)
			return nil
		})
	}

	return g.Wait()
}

// gateway bundles the decision engine with its metrics sink and the
// optional context token issuer.
type gateway struct {
	engine *engine.Engine
	sink   *observability.Sink
	issuer *token.Issuer
}

// newGateway assembles the decision engine from the configured backends.
func newGateway(cfg *config.Config, b *backends) (*gateway, error) {
	resolver := secrets.NewResolver(b.secrets,
		secrets.WithCache(secrets.NewCache(cfg.Secrets.CacheTTL)),
		secrets.WithTimeout(cfg.Secrets.Timeout),
		secrets.WithRotationOverlap(cfg.Secrets.RotationOverlap),
	)

	lc, err := cfg.RateLimit.LimiterConfig()
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(b.counters, lc)
	if err != nil {
		return nil, fmt.Errorf("creating rate limiter: %w", err)
	}

	tracker := abuse.New(b.lockouts, abuse.Config{
		Threshold: cfg.Abuse.Threshold,
		Horizon:   cfg.Abuse.Horizon,
		Lockout:   cfg.Abuse.Lockout,
		Timeout:   cfg.Abuse.Timeout,
		FailOpen:  cfg.Abuse.FailOpen,
	})

	guardOpts := []replay.Option{replay.WithTolerance(cfg.Replay.Tolerance)}
	if cfg.Replay.Dedup {
		guardOpts = append(guardOpts, replay.WithDedup(b.dedup))
	}
	guard := replay.New(guardOpts...)

	sink := observability.NewSink(cfg.Observability.SinkBuffer)
	eng, err := engine.New(engine.Deps{
		Secrets: resolver,
		Limiter: limiter,
		Abuse:   tracker,
		Replay:  guard,
		Metrics: sink,
	}, engine.Config{
		RecordRateLimitFailures: cfg.RateLimit.RecordFailures,
	})
	if err != nil {
		return nil, err
	}

	gw := &gateway{engine: eng, sink: sink}
	if cfg.Token.Enabled {
		gw.issuer, err = newIssuer(cfg.Token)
		if err != nil {
			return nil, err
		}
	}
	return gw, nil
}

// newIssuer loads the signing key, or generates an ephemeral one when none
// is configured.
func newIssuer(tc config.TokenConfig) (*token.Issuer, error) {
	var opts []token.Option
	if tc.Issuer != "" {
		opts = append(opts, token.WithIssuer(tc.Issuer))
	}
	if tc.Audience != "" {
		opts = append(opts, token.WithAudience(tc.Audience))
	}
	opts = append(opts, token.WithTTL(tc.TTL))

	if tc.SigningKey != "" {
		key, err := token.ParseKey([]byte(tc.SigningKey))
		if err != nil {
			return nil, fmt.Errorf("token signing key: %w", err)
		}
		return token.NewIssuer(key, opts...)
	}

	slog.Warn("no token signing key configured, generating an ephemeral key")
	key, err := token.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating token signing key: %w", err)
	}
	return token.NewIssuer(key, opts...)
}
