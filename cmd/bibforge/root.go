package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OnslaughtSnail/bibforge/internal/config"
	"github.com/OnslaughtSnail/bibforge/internal/envload"
)

type rootOptions struct {
	configFile string
	logLevel   string
	skipDotEnv bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "bibforge",
		Short:         "Format BibTeX bibliographies with any bibliography style",
		Long:          "bibforge compiles a bibliography against a selected .bst style in a per-caller workspace and returns the formatted reference list.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: ./bibforge.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")
	rootCmd.PersistentFlags().BoolVar(&opts.skipDotEnv, "no-dotenv", false, "do not load the nearest .env file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newCompileCmd(opts),
		newStylesCmd(opts),
		newGCCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func (o *rootOptions) load() (config.Config, error) {
	if !o.skipDotEnv {
		if _, err := envload.LoadNearest(); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(config.Options{File: o.configFile})
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return config.Config{}, fmt.Errorf("--log-level: %w", err)
		}
	}
	return cfg, nil
}
