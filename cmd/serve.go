package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-mapper/internal/api"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand, which exposes the pipeline
// over HTTP until SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API",
		Long: `Starts the HTTP API: POST /v1/runs resolves a batch of parcel references
and stores the resulting map; GET /v1/runs lists previous runs. The port is
server.port unless the PORT environment variable is set.`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}
	addPipelineFlags(cmd.Flags())
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer e.close(context.WithoutCancel(ctx), cmd.ErrOrStderr())
	logger := e.logger

	p, err := buildPipeline(ctx, e.cfg, logger, pipelineOptions{keepHistory: true})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("pipeline close failed", zap.Error(cerr))
		}
	}()

	port := e.cfg.Server.Port
	if raw := os.Getenv("PORT"); raw != "" {
		if v, perr := strconv.Atoi(raw); perr == nil && v > 0 {
			port = v
		}
	}
	apiServer := api.NewServer(p.service, p.history, e.cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
