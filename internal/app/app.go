// Package app wires the validator, its registry backend and the HTTP server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/keygate/internal/domain/auth"
	"github.com/xenking/keygate/internal/handler"
	"github.com/xenking/keygate/pkg/health"
	"github.com/xenking/keygate/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("registry", cfg.Registry.Backend),
	)

	var cache *auth.DecisionCache
	if cfg.Cache.Enabled {
		c, err := auth.NewDecisionCache(cfg.Cache.Auth())
		if err != nil {
			return errors.Wrap(err, "create decision cache")
		}
		c.StartJanitor(ctx, cfg.Cache.SweepInterval)
		if err := registerCacheMetrics(m.MeterProvider(), c); err != nil {
			return errors.Wrap(err, "register cache metrics")
		}
		cache = c
	}

	hasher := auth.NewHasher([]byte(cfg.Credentials.Pepper))
	reg, err := openRegistry(ctx, lg, cfg, hasher, cache)
	if err != nil {
		return errors.Wrap(err, "open registry")
	}
	defer reg.close()

	validator := auth.NewValidator(reg, auth.Options{
		Hasher:         hasher,
		Cache:          cache,
		LookupTimeout:  cfg.LookupTimeout,
		TracerProvider: m.TracerProvider(),
	})

	validateHandler, err := handler.NewValidateHandler(validator, cfg.Handler(), m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create validate handler")
	}

	healthSvc := health.New(lg)
	healthSvc.AddReadinessCheck("registry", 5*time.Second, health.PingCheck(reg))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/validate", validateHandler)

	httpHandler, err := newHandler(ctx, cfg, mux, m)
	if err != nil {
		return errors.Wrap(err, "create http handler")
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           httpHandler,
	}

	g, ctx := errgroup.WithContext(ctx)
	if reg.watch != nil {
		g.Go(func() error {
			return reg.watch(ctx)
		})
	}
	g.Go(func() error {
		// Graceful shutdown: wait for context cancellation, drain, then stop.
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

// newHandler builds the middleware chain around mux.
func newHandler(ctx context.Context, cfg *Config, mux *http.ServeMux, m httpmiddleware.TelemetryProvider) (http.Handler, error) {
	find := httpmiddleware.MakeRouteFinder(mux)
	middlewares := []httpmiddleware.Middleware{
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID("X-Correlation-ID"),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Instrument("keygate", find, m),
		httpmiddleware.LogRequests(find),
		httpmiddleware.Labeler(find),
	}
	if cfg.ProbeLimit.Enabled {
		proxies, err := cfg.ProbeLimit.Proxies()
		if err != nil {
			return nil, errors.Wrap(err, "probe limit")
		}
		middlewares = append(middlewares, httpmiddleware.ProbeLimit(ctx, httpmiddleware.ProbeLimitConfig{
			Max:            cfg.ProbeLimit.Max,
			Window:         cfg.ProbeLimit.Window,
			TrustedProxies: proxies,
		}))
	}
	return httpmiddleware.Wrap(mux, middlewares...), nil
}

// registerCacheMetrics exports cache counters as observable gauges.
func registerCacheMetrics(mp metric.MeterProvider, c *auth.DecisionCache) error {
	meter := mp.Meter("keygate/cache")

	entries, err := meter.Int64ObservableGauge("keygate.cache.entries",
		metric.WithDescription("Decisions currently cached"))
	if err != nil {
		return err
	}
	hits, err := meter.Int64ObservableCounter("keygate.cache.hits",
		metric.WithDescription("Cache lookups that found a live decision"))
	if err != nil {
		return err
	}
	misses, err := meter.Int64ObservableCounter("keygate.cache.misses",
		metric.WithDescription("Cache lookups that found nothing or an expired decision"))
	if err != nil {
		return err
	}
	evictions, err := meter.Int64ObservableCounter("keygate.cache.evictions",
		metric.WithDescription("Decisions evicted to make room"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := c.Stats()
		o.ObserveInt64(entries, int64(s.Entries))
		o.ObserveInt64(hits, int64(s.Hits))
		o.ObserveInt64(misses, int64(s.Misses))
		o.ObserveInt64(evictions, int64(s.Evictions))
		return nil
	}, entries, hits, misses, evictions)
	return err
}
