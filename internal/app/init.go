package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cyderhq/cyder-gateway/internal/auth"
	"github.com/cyderhq/cyder-gateway/internal/billing"
	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/catalog"
	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/internal/idgen"
	"github.com/cyderhq/cyder-gateway/internal/metrics"
	"github.com/cyderhq/cyder-gateway/internal/proxy"
	"github.com/cyderhq/cyder-gateway/internal/ratelimit"
	"github.com/cyderhq/cyder-gateway/internal/reqlog"
	"github.com/cyderhq/cyder-gateway/internal/resolve"
	"github.com/cyderhq/cyder-gateway/internal/upstream"
)

// initInfra establishes optional external connections and the ID generator.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	gen, err := idgen.New(a.cfg.NodeID)
	if err != nil {
		return fmt.Errorf("idgen: %w", err)
	}
	a.gen = gen

	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the cache backend, seeds it from the catalog and
// starts the request log recorder.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	switch a.cfg.Cache.Mode {
	case "redis":
		a.backend = cache.NewRedisFromClient(a.rdb, a.cfg.Cache.Prefix)
		a.ready = redisPinger(a.baseCtx, a.rdb)
		a.log.Info("cache backend: redis", slog.String("prefix", a.cfg.Cache.Prefix))

	default: // memory
		a.memCache = cache.NewMemory(a.baseCtx)
		a.backend = a.memCache
		a.ready = func() bool { return true }
		a.log.Info("cache backend: memory (in-process)")
	}

	a.colls = cache.NewCollections(a.backend, cache.TTLs{
		Positive: a.cfg.Cache.PositiveTTL,
		Negative: a.cfg.Cache.NegativeTTL,
	}, a.prom)

	cat, err := catalog.Load(a.cfg.CatalogPath)
	if err != nil {
		return err
	}
	if err := cat.Seed(ctx, a.colls); err != nil {
		return err
	}
	a.cat = cat
	a.log.Info("catalog seeded",
		slog.Int("providers", len(cat.Providers)),
		slog.Int("models", len(cat.Models)),
		slog.Int("aliases", len(cat.Aliases)),
		slog.Int("system_keys", len(cat.SystemKeys)),
	)

	sinks := []reqlog.Sink{reqlog.NewSlogSink(a.log)}
	if a.cfg.ClickHouse.Addr != "" {
		ch, err := reqlog.NewClickHouseSink(ctx,
			a.cfg.ClickHouse.Addr,
			a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username,
			a.cfg.ClickHouse.Password)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = ch
		sinks = append(sinks, ch)
		a.log.Info("request log sink: clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))
	}

	rec, err := reqlog.NewRecorder(a.baseCtx, a.gen, a.log, a.prom, sinks...)
	if err != nil {
		return err
	}
	a.recorder = rec

	return nil
}

// initGateway wires together the proxy pipeline with all configured
// subsystems.
func (a *App) initGateway(_ context.Context) error {
	client, err := upstream.NewClient(a.cfg.Upstream.ProxyURL, a.cfg.Upstream.FirstByteTimeout)
	if err != nil {
		return err
	}

	preparer := upstream.NewPreparer(a.colls,
		upstream.NewKeyPicker(a.colls, a.prom),
		upstream.NewVertexTokens(a.backend, a.prom),
		a.log)

	translator := dialect.NewTranslator(
		dialect.NewOpenAI(),
		dialect.NewAnthropic(),
		dialect.NewGemini(a.gen),
		dialect.NewOllama(),
	)

	deps := proxy.Deps{
		Logger:      a.log,
		Auth:        auth.New(a.colls, []byte(a.cfg.Auth.JWTSecret)),
		Resolver:    resolve.NewResolver(a.colls),
		Gate:        resolve.NewGate(a.colls),
		Preparer:    preparer,
		Client:      client,
		Translator:  translator,
		Recorder:    a.recorder,
		Billing:     billing.NewEngine(a.colls),
		Catalog:     a.cat,
		Metrics:     a.prom,
		Ready:       a.ready,
		CORSOrigins: a.cfg.CORSOrigins,
	}

	// Rate limiting needs the shared Redis window; a memory-only deployment
	// runs unlimited.
	if a.rdb != nil && a.cfg.RateLimit.RPM > 0 {
		deps.Limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPM, a.prom)
		a.log.Info("rate limiting enabled", slog.Int("rpm", a.cfg.RateLimit.RPM))
	}

	a.gw = proxy.New(a.baseCtx, deps)

	return nil
}
