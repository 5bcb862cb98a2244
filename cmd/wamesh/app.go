package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ricochet1k/wamesh/internal/api"
	"github.com/ricochet1k/wamesh/internal/bridge"
	"github.com/ricochet1k/wamesh/internal/capability"
	"github.com/ricochet1k/wamesh/internal/capability/sidecar"
	"github.com/ricochet1k/wamesh/internal/config"
	"github.com/ricochet1k/wamesh/internal/logging"
	"github.com/ricochet1k/wamesh/internal/metrics"
	"github.com/ricochet1k/wamesh/internal/queue"
	"github.com/ricochet1k/wamesh/internal/registry"
	"github.com/ricochet1k/wamesh/internal/service"
	"github.com/ricochet1k/wamesh/internal/store"
	"github.com/ricochet1k/wamesh/internal/stream"
	"github.com/ricochet1k/wamesh/internal/tenant"
)

const shutdownTimeout = 30 * time.Second

// app holds every component of one process. Fields for halves the role does
// not run stay nil.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	rdb         *redis.Client
	metrics     *metrics.Metrics
	bridge      *bridge.Bridge
	tenants     *tenant.BoltStorage
	registry    *registry.Registry
	queue       *queue.Queue
	sessions    *service.Orchestrator
	workers     *queue.Workers
	handler     *api.Handler
	server      *http.Server
	redisConnOp asynq.RedisClientOpt
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		redisConnOp: asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup; continuing")
	}

	sessionStore := store.New(a.rdb, store.Config{
		Prefix:    cfg.Store.Prefix,
		QRTTL:     cfg.Store.QRTTL,
		MetaTTL:   cfg.Store.MetaTTL,
		StatusTTL: cfg.Store.StatusTTL,
	}, logging.Component(log, "store"))
	a.bridge = bridge.New(a.rdb, logging.Component(log, "bridge"))
	broadcaster := stream.NewBroadcaster(stream.DefaultBufferSize)

	backend := queue.NewAsynqBackend(a.redisConnOp, queue.AsynqConfig{MaxAttempts: cfg.Queue.MaxAttempts})
	a.queue = queue.New(queue.Config{
		Backend: backend,
		Metrics: a.metrics,
		Logger:  log,
	})

	svcCfg := service.Config{
		Queue:       a.queue,
		Store:       sessionStore,
		Bridge:      a.bridge,
		Broadcaster: broadcaster,
		Logger:      log,
	}

	if cfg.Role.OwnsSessions() {
		a.tenants, err = tenant.Open(cfg.Tenant.Path)
		if err != nil {
			return nil, fmt.Errorf("open tenant store: %w", err)
		}
		a.registry = registry.New(registry.Config{
			Factory: &sidecar.Factory{
				Command:     cfg.Capability.Command,
				Args:        cfg.Capability.Args,
				StopTimeout: cfg.Capability.StopTimeout,
				Log:         logging.Component(log, "sidecar"),
			},
			Launch: capability.LaunchOptions{
				Headless:           cfg.Capability.Headless,
				Args:               cfg.Capability.BrowserArgs,
				RemoteDebuggingURL: cfg.Capability.RemoteDebuggingURL,
				InitTimeout:        cfg.Capability.InitTimeout,
				DataDir:            cfg.Capability.DataDir,
			},
			Store:              sessionStore,
			Publisher:          a.bridge,
			Notifier:           broadcaster,
			Tenants:            a.tenants,
			Metrics:            a.metrics,
			Logger:             log,
			MaxConcurrentInits: cfg.Registry.MaxConcurrentInits,
			SlotHold:           cfg.Registry.SlotHold,
			SettleDelay:        cfg.Registry.SettleDelay,
			ReconnectLadder:    cfg.Registry.ReconnectLadder,
			ReconnectDebounce:  cfg.Registry.ReconnectDebounce,
		})
		svcCfg.Registry = a.registry
		svcCfg.Tenants = a.tenants
	}
	a.sessions = service.NewOrchestrator(svcCfg)

	if cfg.Role.OwnsSessions() {
		specs := queue.DefaultWorkerSpecs(cfg.Queue.SessionConcurrency, cfg.Queue.CleanupConcurrency, cfg.Queue.SyncConcurrency)
		a.workers, err = queue.StartWorkers(a.redisConnOp, specs, a.sessions.Handlers(), a.metrics, log)
		if err != nil {
			// Commands still run in-process through the fallback path.
			log.Warn().Err(err).Msg("queue workers unavailable")
			a.workers = nil
			err = nil
		}
	}

	if cfg.Role.ServesHTTP() {
		a.handler = api.NewHandler(api.HandlerConfig{
			Sessions:    a.sessions,
			Broadcaster: broadcaster,
			Metrics:     a.metrics.Handler(),
			Role:        cfg.Role,
			Logger:      log,
		})
		a.server = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           a.router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	a.handler.Mount(r)
	return r
}

// run blocks until ctx is cancelled or the HTTP server fails, then shuts
// every component down.
func (a *app) run(ctx context.Context) error {
	a.log.Info().Str("role", string(a.cfg.Role)).Msg("starting")
	if a.cfg.RestoreOnStartup && a.sessions.OwnsSessions() {
		a.sessions.StartRestore()
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(func() error {
			a.log.Info().Str("addr", a.server.Addr).Msg("http listening")
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(shutdownCtx)
		return nil
	})

	err := g.Wait()
	a.log.Info().Msg("stopped")
	return err
}

// close stops intake first, then the sessions, then the shared clients.
func (a *app) close(ctx context.Context) {
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("http shutdown")
		}
	}
	if a.handler != nil {
		a.handler.Close()
	}
	if a.workers != nil {
		a.workers.Shutdown()
	}
	if a.sessions != nil {
		if err := a.sessions.Close(ctx); err != nil {
			a.log.Warn().Err(err).Msg("orchestrator shutdown")
		}
	}
	if a.registry != nil {
		if err := a.registry.Close(ctx); err != nil {
			a.log.Warn().Err(err).Msg("registry shutdown")
		}
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.bridge != nil {
		_ = a.bridge.Close()
	}
	if a.tenants != nil {
		_ = a.tenants.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
