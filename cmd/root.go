// Package cmd defines the buildwatch CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/app"
	"github.com/JakeFAU/buildwatch/internal/config"
	"github.com/JakeFAU/buildwatch/internal/logging"
	"github.com/JakeFAU/buildwatch/internal/telemetry"
)

const closeTimeout = 10 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates the root command. The returned cleanup closes whatever
// PersistentPreRunE built, whether or not the subcommand succeeded.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile  string
		instance *app.App
		logger   *zap.Logger
		tracing  interface{ Shutdown(context.Context) error }
	)

	cmd := &cobra.Command{
		Use:   "buildwatch",
		Short: "Submit repositories for analysis and follow their builds live.",
		Long: `buildwatch talks to the analysis backend: it submits builds, follows
their progress over the shared event channel until the backend reports a
terminal result, and runs the relay that bridges worker events to websocket
clients.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			tp, err := telemetry.InitTracerProvider(cmd.Context(), "buildwatch")
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			tracing = tp

			instance, err = newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, instance))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the BUILDWATCH_ prefix")

	cmd.AddCommand(
		newWatchCmd(),
		newRelayCmd(),
		newEmitCmd(),
		newBuildsCmd(),
		newSummaryCmd(),
		newIssuesCmd(),
		newRunsCmd(),
	)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if instance != nil {
			if err := instance.Close(ctx); err != nil {
				instance.Logger().Warn("error closing application services", zap.Error(err))
			}
		}
		if tracing != nil {
			if err := tracing.Shutdown(ctx); err != nil && logger != nil {
				logger.Warn("error shutting down tracing", zap.Error(err))
			}
		}
		if logger != nil {
			_ = logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
		}
	}
	return cmd, cleanup
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services are not initialized")
	}
	return a, nil
}
