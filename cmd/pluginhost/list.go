package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/provider"
)

func newListCommand(h *host) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the plugins every provider reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := h.composite()
			if err != nil {
				return err
			}

			descs, err := c.Discover(cmd.Context())
			reportDiscovery(cmd.ErrOrStderr(), err)
			return printCatalog(cmd.OutOrStdout(), c, descs)
		},
	}
}

// reportDiscovery prints discovery problems; they never fail the command.
func reportDiscovery(w io.Writer, err error) {
	var derr *provider.DiscoveryError
	if !errors.As(err, &derr) {
		if err != nil {
			fmt.Fprintln(w, "warning:", err)
		}
		return
	}
	for _, e := range derr.Unwrap() {
		fmt.Fprintln(w, "warning:", e)
	}
}

func printCatalog(w io.Writer, c *provider.Composite, descs []*descriptor.Descriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROVIDER\tACTIONS\tATTRIBUTES")
	for _, d := range descs {
		owner, _ := c.Owner(d.ID())

		actions := make([]string, 0, len(d.Actions()))
		for _, a := range d.Actions() {
			actions = append(actions, a.Local())
		}

		attrs := d.Attributes()
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+attrs[k])
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID(), d.Name(), owner, strings.Join(actions, ","), strings.Join(pairs, ","))
	}
	return tw.Flush()
}
