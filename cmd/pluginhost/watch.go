package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snowmerak/provider.go/lib/config"
)

func newWatchCommand(h *host) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-run discovery whenever a search path changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			c, err := h.composite()
			if err != nil {
				return err
			}

			discover := func() {
				descs, err := c.Discover(ctx)
				reportDiscovery(cmd.ErrOrStderr(), err)
				if err := printCatalog(out, c, descs); err != nil {
					h.logger.Warn().Err(err).Msg("failed to print catalog")
				}
			}
			discover()

			paths := h.cfg.SearchPaths()
			if len(paths) == 0 {
				return errors.New("no search paths to watch")
			}
			w, err := config.NewWatcher(paths, config.WithWatchLogger(h.logger))
			if err != nil {
				return err
			}
			defer w.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "watching %d directories\n", len(w.Watched()))
			err = w.Run(ctx, func(changed []string) {
				h.logger.Info().Strs("paths", changed).Msg("search paths changed, rediscovering")
				discover()
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
