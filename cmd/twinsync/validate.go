package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/twinsync/config"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without opening anything",
		Long: `Validate loads the configuration file, applies the environment overrides and
checks the result, compiling every pipeline step. Nothing is opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			summarize(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

// summarize prints one line per twin of a valid configuration.
func summarize(w io.Writer, cfg config.Config) {
	for _, t := range cfg.Twins {
		fmt.Fprintf(w, "twin %s: %d physical, %d digital adapters, %d pipeline steps\n",
			t.ID, len(t.Physical), len(t.Digital), len(t.Steps))
	}
	var sinks []string
	if cfg.Storage.TopicURL != "" {
		sinks = append(sinks, "topic")
	}
	if cfg.Storage.Neo4jURI != "" {
		sinks = append(sinks, "neo4j")
	}
	fmt.Fprintf(w, "storage sinks: %v\n", sinks)
	fmt.Fprintln(w, "ok")
}
