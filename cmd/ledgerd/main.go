package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/config"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/database"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/health"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/ledgerapi"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/logging"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/store/ledgerstore"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/tracing"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName       = "ledgerd"
	defaultSQLiteFile = "ledger.db"
	shutdownTimeout   = 10 * time.Second

	flagListenAddr     = "listen-addr"
	flagOpsAddr        = "ops-addr"
	flagDatabaseURL    = "database-url"
	flagAllowedOrigins = "allowed-origins"
	flagLogLevel       = "log-level"
	flagOTLPEndpoint   = "otlp-endpoint"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.LedgerConfig{}
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Account ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagOpsAddr, "", "gRPC health listen address")
	cmd.Flags().String(flagDatabaseURL, "", "PostgreSQL or sqlite:// connection string")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated list of CORS origins")
	cmd.Flags().String(flagLogLevel, "", "Log level (debug, info, warn, error)")
	cmd.Flags().String(flagOTLPEndpoint, "", "OTLP gRPC endpoint; tracing stays local when empty")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.LedgerConfig) error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		flagListenAddr:     "LISTEN_ADDR",
		flagOpsAddr:        "OPS_ADDR",
		flagDatabaseURL:    "DATABASE_URL",
		flagAllowedOrigins: "ALLOWED_ORIGINS",
		flagLogLevel:       "LOG_LEVEL",
		flagOTLPEndpoint:   "OTEL_EXPORTER_OTLP_ENDPOINT",
	}
	for flag, env := range bindings {
		if err := v.BindEnv(flag, env); err != nil {
			return err
		}
		if err := v.BindPFlag(flag, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.ListenAddr = v.GetString(flagListenAddr)
	cfg.OpsAddr = v.GetString(flagOpsAddr)
	cfg.DatabaseURL = v.GetString(flagDatabaseURL)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.LogLevel = v.GetString(flagLogLevel)
	cfg.OTLPEndpoint = v.GetString(flagOTLPEndpoint)
	return cfg.Validate()
}

func runServer(ctx context.Context, cfg *config.LedgerConfig) error {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	provider, err := tracing.NewProvider(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.WithoutCancel(ctx)) }()

	handle, err := database.Open(ctx, cfg.DatabaseURL, defaultSQLiteFile)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = handle.Close() }()
	if err := database.Prepare(handle, database.Schema{Name: "ledger", Models: ledgerstore.Models()}); err != nil {
		return err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(ledgerstore.New(handle.DB), clock, ledger.WithOperationLogger(logging.NewLedgerOperations(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := ledgerapi.NewRouter(ledgerapi.RouterConfig{AllowedOrigins: cfg.AllowedOrigins}, service, logger, metrics.New(serviceName))
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	healthServer := health.NewServer(logger, serviceName)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return healthServer.ListenAndServe(groupCtx, cfg.OpsAddr)
	})
	group.Go(func() error {
		logger.Info("http server starting", zap.String("listen_addr", cfg.ListenAddr), zap.String("database", string(handle.Driver)))
		healthServer.SetServing(true)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown requested")
		healthServer.SetServing(false)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
