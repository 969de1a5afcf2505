package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/twinsync/config"
)

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	ConfigPath string
	// Environ overrides the process environment, for tests.
	Environ map[string]string
}

// NewRootCommand creates the root command of twinsync.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "twinsync",
		Short:         "twinsync - digital twin synchronization",
		Long:          "Keeps digital twins synchronized with their physical assets and exposes them to digital consumers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "twinsync.toml", "path of the configuration file")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	return cmd
}

// load reads and validates the configuration named by opts.
func (opts *RootOptions) load() (config.Config, error) {
	cfg, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Override(opts.Environ); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("%s: %w", opts.ConfigPath, err)
	}
	return cfg, nil
}
