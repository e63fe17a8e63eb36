// Package cli implements the aether terminal client.
package cli

import (
	"io"
	"log/slog"

	"github.com/ashureev/aether-labs/internal/catalog"
	"github.com/ashureev/aether-labs/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	catalogPath string
	verbose     bool
}

// Execute runs the root command.
func Execute() error {
	return NewRoot().Execute()
}

// NewRoot builds the aether command tree.
func NewRoot() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "aether",
		Short:        "Aether Labs workshop assistant and assessment in the terminal",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// A missing .env is normal; the environment is used as is.
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&opts.catalogPath, "catalog", "", "workshop catalog YAML (defaults to CATALOG_PATH or the built-in catalog)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "write JSON logs to stderr")

	root.AddCommand(
		AssessCmd(opts),
		AskCmd(opts),
	)
	return root
}

func (o *options) logger(cmd *cobra.Command) *slog.Logger {
	var w io.Writer = io.Discard
	if o.verbose {
		w = cmd.ErrOrStderr()
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (o *options) load() (*config.Config, *catalog.Catalog, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	path := o.catalogPath
	if path == "" {
		path = cfg.CatalogPath
	}
	if path == "" {
		cat, err := catalog.Default()
		return cfg, cat, err
	}
	cat, err := catalog.Load(path)
	return cfg, cat, err
}
