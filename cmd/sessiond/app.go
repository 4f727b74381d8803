package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/config"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/database"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/health"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/idgen"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/ledgerclient"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/lock"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/logging"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/sessionapi"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/store/sessionstore"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/tracing"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const defaultSQLiteFile = "sessions.db"

var platformModule = fx.Module("sessiond.platform",
	fx.Provide(
		provideLogger,
		provideMetrics,
		provideDatabase,
		provideIDGenerator,
	),
	fx.Invoke(installTracing),
)

var storageModule = fx.Module("sessiond.storage",
	fx.Provide(
		func(handle *database.Handle) *sessionstore.Store { return sessionstore.New(handle.DB) },
	),
)

var billingModule = fx.Module("sessiond.billing",
	fx.Provide(
		provideLedgerClient,
		provideCoordinator,
		provideLocker,
		provideReconciler,
	),
	fx.Invoke(runReconciler),
)

var sessionModule = fx.Module("sessiond.session",
	fx.Provide(
		provideRegistry,
		provideManager,
	),
	fx.Invoke(runExpirySweeper),
)

var serverModule = fx.Module("sessiond.server",
	fx.Provide(
		provideAuthenticator,
		provideRouter,
		provideHealthServer,
	),
	fx.Invoke(runServers),
)

func appOptions(cfg *config.SessionConfig) []fx.Option {
	return []fx.Option{
		fx.Supply(cfg),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		platformModule,
		storageModule,
		billingModule,
		sessionModule,
		serverModule,
	}
}

func newApp(cfg *config.SessionConfig) *fx.App {
	return fx.New(appOptions(cfg)...)
}

func provideLogger(cfg *config.SessionConfig) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel)
}

func installTracing(lc fx.Lifecycle, cfg *config.SessionConfig) error {
	provider, err := tracing.NewProvider(context.Background(), serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{OnStop: provider.Shutdown})
	return nil
}

func provideMetrics() *metrics.Registry {
	return metrics.New(serviceName)
}

func provideDatabase(lc fx.Lifecycle, cfg *config.SessionConfig) (*database.Handle, error) {
	handle, err := database.Open(context.Background(), cfg.DatabaseURL, defaultSQLiteFile)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := database.Prepare(handle, database.Schema{Name: "sessions", Models: sessionstore.Models()}); err != nil {
		_ = handle.Close()
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return handle.Close() }})
	return handle, nil
}

func provideIDGenerator(cfg *config.SessionConfig) (session.IDGenerator, error) {
	return idgen.NewSnowflake(cfg.SnowflakeNode)
}

func provideLedgerClient(cfg *config.SessionConfig) (*ledgerclient.Client, error) {
	return ledgerclient.New(cfg.LedgerURL, cfg.LedgerTimeout)
}

func provideCoordinator(cfg *config.SessionConfig, client *ledgerclient.Client, store *sessionstore.Store, registry *metrics.Registry, logger *zap.Logger) (*billing.Coordinator, error) {
	policy := billing.DefaultRetryPolicy()
	policy.MaxTries = cfg.RetryMaxTries
	policy.Deadline = cfg.RetryDeadline
	policy.ReconcileDelay = cfg.ReconcileInterval
	policy.MaxTotalAttempts = cfg.MaxChargeAttempts
	return billing.NewCoordinator(client, store, func() time.Time { return time.Now().UTC() },
		billing.WithRetryPolicy(policy),
		billing.WithMetrics(registry),
		billing.WithDispatchLogger(logging.NewBillingDispatches(logger)),
	)
}

// provideLocker returns a nil Locker when no redis URL is configured; a single instance then
// sweeps unguarded.
func provideLocker(lc fx.Lifecycle, cfg *config.SessionConfig) (billing.Locker, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locker, err := lock.Dial(dialCtx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return locker.Close() }})
	return locker, nil
}

func provideReconciler(cfg *config.SessionConfig, coordinator *billing.Coordinator, locker billing.Locker, registry *metrics.Registry, logger *zap.Logger) (*billing.Reconciler, error) {
	options := []billing.ReconcilerOption{
		billing.WithBatchSize(cfg.ReconcileBatch),
		billing.WithInterval(cfg.ReconcileInterval),
		billing.WithSweepObserver(registry.ObserveSweep),
		billing.WithErrorHandler(func(err error) {
			logger.Error("reconcile pass failed", zap.Error(err))
		}),
	}
	if locker != nil {
		options = append(options, billing.WithLocker(locker, cfg.ReconcileLockKey))
	}
	return billing.NewReconciler(coordinator, options...)
}

func provideRegistry(store *sessionstore.Store, ids session.IDGenerator, logger *zap.Logger) (*session.Registry, error) {
	return session.NewRegistry(store, ids, time.Now, session.WithRegistryLogger(logging.NewSessionEvents(logger)))
}

func provideManager(cfg *config.SessionConfig, store *sessionstore.Store, client *ledgerclient.Client, ids session.IDGenerator, coordinator *billing.Coordinator, logger *zap.Logger) (*session.Manager, error) {
	return session.NewManager(store, client, ids, time.Now,
		session.WithEventLogger(logging.NewSessionEvents(logger)),
		session.WithDispatcher(coordinator),
		session.WithDispatchGrace(cfg.RetryDeadline),
	)
}

func provideAuthenticator(cfg *config.SessionConfig) (*sessionapi.Authenticator, error) {
	return sessionapi.NewAuthenticator(cfg.OperatorSigningKey, cfg.OperatorIssuer)
}

type routerParams struct {
	fx.In

	Config        *config.SessionConfig
	Manager       *session.Manager
	Registry      *session.Registry
	Coordinator   *billing.Coordinator
	Store         *sessionstore.Store
	Authenticator *sessionapi.Authenticator
	Metrics       *metrics.Registry
	Logger        *zap.Logger
}

func provideRouter(params routerParams) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	return sessionapi.NewRouter(sessionapi.RouterConfig{AllowedOrigins: params.Config.AllowedOrigins}, sessionapi.Services{
		Manager:       params.Manager,
		Registry:      params.Registry,
		Coordinator:   params.Coordinator,
		Charges:       params.Store,
		Authenticator: params.Authenticator,
	}, params.Logger, params.Metrics)
}

func provideHealthServer(logger *zap.Logger) *health.Server {
	return health.NewServer(logger, serviceName)
}

func runServers(lc fx.Lifecycle, cfg *config.SessionConfig, router *gin.Engine, healthServer *health.Server, logger *zap.Logger) {
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	healthCtx, stopHealth := context.WithCancel(context.Background())
	var wait sync.WaitGroup
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wait.Add(2)
			go func() {
				defer wait.Done()
				if err := healthServer.ListenAndServe(healthCtx, cfg.OpsAddr); err != nil {
					logger.Error("health server stopped", zap.Error(err))
				}
			}()
			go func() {
				defer wait.Done()
				logger.Info("http server starting", zap.String("listen_addr", cfg.ListenAddr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			healthServer.SetServing(true)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			healthServer.SetServing(false)
			err := httpServer.Shutdown(ctx)
			stopHealth()
			wait.Wait()
			return err
		},
	})
}

// background runs loop until the app stops.
func background(lc fx.Lifecycle, loop func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				loop(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func runReconciler(lc fx.Lifecycle, reconciler *billing.Reconciler) {
	background(lc, reconciler.Run)
}

func runExpirySweeper(lc fx.Lifecycle, cfg *config.SessionConfig, manager *session.Manager, registry *metrics.Registry, logger *zap.Logger) {
	if cfg.MaxSessionDuration <= 0 {
		return
	}
	background(lc, func(ctx context.Context) {
		ticker := time.NewTicker(cfg.ExpiryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			expired, err := manager.ExpireSessions(ctx, cfg.MaxSessionDuration)
			registry.AddExpiredSessions(expired)
			if err != nil && ctx.Err() == nil {
				logger.Warn("session expiry sweep incomplete", zap.Int("expired", expired), zap.Error(err))
			}
		}
	})
}
