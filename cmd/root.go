package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-mapper/internal/config"
	"github.com/JakeFAU/parcel-mapper/internal/logging"
	"github.com/JakeFAU/parcel-mapper/internal/telemetry"
)

// envKeyType is the key for storing the runtime env in the context.
type envKeyType struct{}

// env carries what every subcommand needs once config is loaded.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	tracer *trace.TracerProvider
}

func (e *env) close(ctx context.Context, stderr io.Writer) {
	if e.tracer != nil {
		if err := e.tracer.Shutdown(ctx); err != nil {
			e.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stdout/stderr consoles; nothing useful to do about it.
	if err := e.logger.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		_, _ = fmt.Fprintf(stderr, "logger sync: %v\n", err)
	}
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "parcelmap",
		Short: "Resolve cadastral parcel references into a map.",
		Long: `parcelmap resolves a spreadsheet of cadastral parcel references against the
registry's WFS endpoint, concurrently and with retries, and renders the
resolved boundaries as a self-contained HTML map.`,
		SilenceUsage: true,

		// Load config and build logging before any subcommand runs; each
		// subcommand closes the env when it returns.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyFlagOverrides(cmd, &cfg); err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			tp, err := telemetry.InitTracerProvider(cmd.Context(), telemetry.Config{
				ServiceName: cfg.Telemetry.ServiceName,
				Tracing:     cfg.Telemetry.Tracing,
				Writer:      cmd.ErrOrStderr(),
			})
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), envKeyType{}, &env{cfg: cfg, logger: logger, tracer: tp})
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults and PARCELMAP_* variables apply without one")

	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKeyType{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}
