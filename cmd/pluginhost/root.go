package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/snowmerak/provider.go/lib/config"
	"github.com/snowmerak/provider.go/lib/logging"
	"github.com/snowmerak/provider.go/lib/provider"
)

// host carries what every subcommand needs once flags are parsed.
type host struct {
	configPath string
	logLevel   string
	version    string

	cfg    *config.Config
	logger zerolog.Logger
}

func NewRootCommand(version, commit, date string) *cobra.Command {
	h := &host{version: version}

	rootCmd := &cobra.Command{
		Use:   "pluginhost",
		Short: "Discover and run plugins from several providers",
		Long: `pluginhost aggregates plugin providers (builtin plugins, executables found
through manifests and Go shared objects) behind one list of plugins.

Providers are tried in the order the configuration lists them; the first
provider that reports an identifier serves it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return h.setup(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&h.configPath, "config", "c", "", "path to the host configuration file")
	rootCmd.PersistentFlags().StringVar(&h.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(newListCommand(h))
	rootCmd.AddCommand(newLoadCommand(h))
	rootCmd.AddCommand(newWatchCommand(h))

	return rootCmd
}

func (h *host) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(h.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if h.logLevel != "" {
		cfg.Log.Level = h.logLevel
	}
	cfg.Log.Output = cmd.ErrOrStderr()

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	h.cfg = cfg
	h.logger = logger
	return nil
}

func (h *host) composite() (*provider.Composite, error) {
	return buildComposite(h.cfg, h.logger, h.version)
}
