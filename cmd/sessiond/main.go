package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	serviceName = "sessiond"

	flagListenAddr         = "listen-addr"
	flagOpsAddr            = "ops-addr"
	flagDatabaseURL        = "database-url"
	flagLedgerURL          = "ledger-url"
	flagLedgerTimeout      = "ledger-timeout"
	flagAllowedOrigins     = "allowed-origins"
	flagOperatorSigningKey = "operator-signing-key"
	flagOperatorIssuer     = "operator-issuer"
	flagLogLevel           = "log-level"
	flagOTLPEndpoint       = "otlp-endpoint"
	flagSnowflakeNode      = "snowflake-node"
	flagRetryMaxTries      = "retry-max-tries"
	flagRetryDeadline      = "retry-deadline"
	flagMaxChargeAttempts  = "max-charge-attempts"
	flagReconcileInterval  = "reconcile-interval"
	flagReconcileBatch     = "reconcile-batch"
	flagRedisURL           = "redis-url"
	flagReconcileLockKey   = "reconcile-lock-key"
	flagMaxSessionDuration = "max-session-duration"
	flagExpiryInterval     = "expiry-interval"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.SessionConfig{}
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Workstation session HTTP server and billing reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagOpsAddr, "", "gRPC health listen address")
	flags.String(flagDatabaseURL, "", "PostgreSQL or sqlite:// connection string")
	flags.String(flagLedgerURL, "", "Base URL of the account ledger")
	flags.Duration(flagLedgerTimeout, 0, "Timeout of a single ledger call")
	flags.String(flagAllowedOrigins, "", "Comma-separated list of CORS origins")
	flags.String(flagOperatorSigningKey, "", "HS256 key verifying operator tokens")
	flags.String(flagOperatorIssuer, "", "Required issuer of operator tokens")
	flags.String(flagLogLevel, "", "Log level (debug, info, warn, error)")
	flags.String(flagOTLPEndpoint, "", "OTLP gRPC endpoint; tracing stays local when empty")
	flags.Int64(flagSnowflakeNode, 0, "Snowflake node of this instance (0-1023)")
	flags.Uint(flagRetryMaxTries, 0, "Ledger attempts per dispatch")
	flags.Duration(flagRetryDeadline, 0, "Hard deadline of one dispatch")
	flags.Int(flagMaxChargeAttempts, 0, "Attempts after which a charge is marked failed (0 keeps it pending)")
	flags.Duration(flagReconcileInterval, 0, "Delay between reconciliation passes")
	flags.Int(flagReconcileBatch, 0, "Charges claimed per reconciliation pass")
	flags.String(flagRedisURL, "", "Redis URL electing a single reconciler; empty disables the lock")
	flags.String(flagReconcileLockKey, "", "Redis key of the reconciler lock")
	flags.Duration(flagMaxSessionDuration, 0, "Sessions older than this are timed out (0 disables)")
	flags.Duration(flagExpiryInterval, 0, "Delay between expiry sweeps")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.SessionConfig) error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flag := range []string{
		flagListenAddr, flagOpsAddr, flagDatabaseURL, flagLedgerURL, flagLedgerTimeout,
		flagAllowedOrigins, flagOperatorSigningKey, flagOperatorIssuer, flagLogLevel,
		flagSnowflakeNode, flagRetryMaxTries, flagRetryDeadline, flagMaxChargeAttempts,
		flagReconcileInterval, flagReconcileBatch, flagRedisURL, flagReconcileLockKey,
		flagMaxSessionDuration, flagExpiryInterval,
	} {
		if err := v.BindEnv(flag, envName(flag)); err != nil {
			return err
		}
		if err := v.BindPFlag(flag, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	if err := v.BindEnv(flagOTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT"); err != nil {
		return err
	}
	if err := v.BindPFlag(flagOTLPEndpoint, cmd.Flags().Lookup(flagOTLPEndpoint)); err != nil {
		return err
	}

	cfg.ListenAddr = v.GetString(flagListenAddr)
	cfg.OpsAddr = v.GetString(flagOpsAddr)
	cfg.DatabaseURL = v.GetString(flagDatabaseURL)
	cfg.LedgerURL = v.GetString(flagLedgerURL)
	cfg.LedgerTimeout = v.GetDuration(flagLedgerTimeout)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.OperatorSigningKey = v.GetString(flagOperatorSigningKey)
	cfg.OperatorIssuer = v.GetString(flagOperatorIssuer)
	cfg.LogLevel = v.GetString(flagLogLevel)
	cfg.OTLPEndpoint = v.GetString(flagOTLPEndpoint)
	cfg.SnowflakeNode = v.GetInt64(flagSnowflakeNode)
	cfg.RetryMaxTries = v.GetUint(flagRetryMaxTries)
	cfg.RetryDeadline = v.GetDuration(flagRetryDeadline)
	cfg.MaxChargeAttempts = v.GetInt(flagMaxChargeAttempts)
	cfg.ReconcileInterval = v.GetDuration(flagReconcileInterval)
	cfg.ReconcileBatch = v.GetInt(flagReconcileBatch)
	cfg.RedisURL = v.GetString(flagRedisURL)
	cfg.ReconcileLockKey = v.GetString(flagReconcileLockKey)
	cfg.MaxSessionDuration = v.GetDuration(flagMaxSessionDuration)
	cfg.ExpiryInterval = v.GetDuration(flagExpiryInterval)
	return cfg.Validate()
}

// envName maps a flag to its environment variable: ledger-url -> LEDGER_URL.
func envName(flag string) string {
	return strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func run(ctx context.Context, cfg *config.SessionConfig) error {
	app := newApp(cfg)
	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancelStop()
	return app.Stop(stopCtx)
}
