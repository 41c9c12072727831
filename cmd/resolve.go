package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-mapper/internal/app"
	"github.com/JakeFAU/parcel-mapper/internal/dispatcher"
	"github.com/JakeFAU/parcel-mapper/internal/input"
	"github.com/JakeFAU/parcel-mapper/internal/render"
)

// newResolveCmd creates the 'resolve' subcommand, which turns one input
// sheet into a map artifact.
func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [input.xlsx|input.csv]",
		Short: "Resolve a sheet of parcel references into an HTML map",
		Long: `Reads parcel references (columns referencia, tipo, nombre, color) from a CSV
or XLSX file, resolves each one against the cadastral registry and writes
Mapa_<client>.html with the resolved boundaries. Without an argument the
first of fincas2.xlsx or fincas2.csv found in the working directory is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runResolveCommand,
	}
	addPipelineFlags(cmd.Flags())
	cmd.Flags().String(flagClient, render.DefaultClient, "client name shown on the map and used in the file name")
	cmd.Flags().String(flagOut, "", "directory the map is written to (forces the local output backend)")
	return cmd
}

func runResolveCommand(cmd *cobra.Command, args []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close(context.WithoutCancel(cmd.Context()), cmd.ErrOrStderr())
	client, err := cmd.Flags().GetString(flagClient)
	if err != nil {
		return fmt.Errorf("read --%s: %w", flagClient, err)
	}
	out := cmd.OutOrStdout()

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		path, err = input.Discover(".", input.DefaultFiles)
		if err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintf(out, "Procesando archivo: %s\n", filepath.Base(path))
	records, err := input.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	p, err := buildPipeline(cmd.Context(), e.cfg, e.logger, pipelineOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			e.logger.Warn("pipeline close failed", zap.Error(cerr))
		}
	}()

	_, _ = fmt.Fprintf(out, "Iniciando (%d hilos)... Objetivo: %d parcelas\n", e.cfg.Dispatcher.Concurrency, len(records))
	res, runErr := p.service.Run(cmd.Context(), app.Request{
		Client:     client,
		Records:    records,
		OnProgress: consoleProgress(out),
	})
	_, _ = fmt.Fprint(out, "\n\nProcesamiento finalizado.\n")

	if errors.Is(runErr, app.ErrNoFeatures) {
		_, _ = fmt.Fprintln(out, "No se pudo recuperar ninguna parcela válida.")
		printFailures(out, res)
		return runErr
	}
	if res.ArtifactURI != "" {
		_, _ = fmt.Fprintln(out, strings.Repeat("=", 60))
		_, _ = fmt.Fprintf(out, "ARCHIVO GENERADO: %s\n", res.ArtifactURI)
		_, _ = fmt.Fprintf(out, "   - Parcelas OK: %d\n", res.Report.Succeeded)
		_, _ = fmt.Fprintf(out, "   - Errores: %d\n", res.Report.Failed)
		_, _ = fmt.Fprintln(out, strings.Repeat("=", 60))
	}
	printFailures(out, res)
	if runErr != nil {
		return fmt.Errorf("run %s: %w", res.Report.RunID, runErr)
	}
	return nil
}

// consoleProgress rewrites a single status line after every completion.
func consoleProgress(w io.Writer) dispatcher.ProgressFunc {
	return func(completed, total int) {
		_, _ = fmt.Fprintf(w, "\r%s", progressLine(completed, total))
	}
}

func progressLine(completed, total int) string {
	pct := 100.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	return fmt.Sprintf("Progreso: %d/%d (%.1f%%)", completed, total, pct)
}

func printFailures(w io.Writer, res app.Result) {
	for _, f := range res.Report.Failures {
		_, _ = fmt.Fprintf(w, "   x %s\n", f.String())
	}
}
