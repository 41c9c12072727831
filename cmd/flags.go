package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/JakeFAU/parcel-mapper/internal/config"
)

const (
	flagConcurrency = "concurrency"
	flagTimeout     = "timeout"
	flagAttempts    = "attempts"
	flagRetryDelay  = "retry-delay"
	flagClient      = "client"
	flagOut         = "out"
)

// addPipelineFlags registers the flags that tune resolution. Zero values
// mean "keep the configured value"; only flags set on the command line
// override the config.
func addPipelineFlags(flags *pflag.FlagSet) {
	flags.Int(flagConcurrency, 0, "number of concurrent registry requests (default from dispatcher.concurrency)")
	flags.Duration(flagTimeout, 0, "per-request registry timeout (default from registry.timeout)")
	flags.Int(flagAttempts, 0, "registry attempts per parcel (default from registry.max_attempts)")
	flags.Duration(flagRetryDelay, 0, "delay between registry attempts (default from registry.retry_delay)")
}

// applyFlagOverrides copies explicitly set flags onto cfg and re-validates.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if changed(flags, flagConcurrency) {
		v, err := flags.GetInt(flagConcurrency)
		if err != nil {
			return fmt.Errorf("read --%s: %w", flagConcurrency, err)
		}
		cfg.Dispatcher.Concurrency = v
	}
	if changed(flags, flagTimeout) {
		v, err := flags.GetDuration(flagTimeout)
		if err != nil {
			return fmt.Errorf("read --%s: %w", flagTimeout, err)
		}
		cfg.Registry.Timeout = v
	}
	if changed(flags, flagAttempts) {
		v, err := flags.GetInt(flagAttempts)
		if err != nil {
			return fmt.Errorf("read --%s: %w", flagAttempts, err)
		}
		cfg.Registry.MaxAttempts = v
	}
	if changed(flags, flagRetryDelay) {
		v, err := flags.GetDuration(flagRetryDelay)
		if err != nil {
			return fmt.Errorf("read --%s: %w", flagRetryDelay, err)
		}
		cfg.Registry.RetryDelay = v
		if cfg.Registry.MaxDelay < v {
			cfg.Registry.MaxDelay = v
		}
	}
	if changed(flags, flagOut) {
		v, err := flags.GetString(flagOut)
		if err != nil {
			return fmt.Errorf("read --%s: %w", flagOut, err)
		}
		cfg.Output.Backend = config.BackendLocal
		cfg.Output.Dir = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func changed(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}

