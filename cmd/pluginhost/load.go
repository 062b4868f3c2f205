package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snowmerak/provider.go/lib/provider"
	"github.com/snowmerak/provider.go/lib/provider/executable"
)

type describer interface {
	Describe() string
}

func newLoadCommand(h *host) *cobra.Command {
	var (
		serial  int
		service string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "load <plugin-id>",
		Short: "Load a plugin, report on it and unload it again",
		Long: `Load discovers plugins, loads the given plugin or action identifier through
the provider that reported it, and unloads it before exiting.

Example:
  pluginhost load pluginhost.about#version
  pluginhost load demo.echo --call echo --payload '{"text":"hi"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			c, err := h.composite()
			if err != nil {
				return err
			}
			_, derr := c.Discover(ctx)
			reportDiscovery(cmd.ErrOrStderr(), derr)

			handle, err := c.LoadHandle(ctx, args[0], provider.NewContext(serial).WithLogger(h.logger))
			if err != nil {
				return err
			}
			defer func() {
				if err := c.UnloadAll(ctx); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
				}
			}()

			owner, _ := c.Owner(args[0])
			fmt.Fprintf(out, "loaded %s from %s as %s\n", args[0], owner, handle)

			inst, _ := c.Instance(handle)
			switch v := inst.(type) {
			case *executable.Remote:
				if service == "" {
					return nil
				}
				resp, err := v.Call(ctx, service, []byte(payload))
				if err != nil {
					return fmt.Errorf("call %s: %w", service, err)
				}
				fmt.Fprintln(out, string(resp))
			case describer:
				fmt.Fprintln(out, v.Describe())
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&serial, "serial", 0, "instance serial passed to the provider")
	cmd.Flags().StringVar(&service, "call", "", "service to call on an executable plugin")
	cmd.Flags().StringVar(&payload, "payload", "", "payload for --call")

	return cmd
}
