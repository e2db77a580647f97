package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func pluginsCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the plugins found on the plugin paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, global)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tENTRY TYPES\tCAPABILITIES\tPATH")
			for _, p := range a.manager.Registry().List() {
				types := make([]string, 0, len(p.EntryTypes()))
				for _, t := range p.EntryTypes() {
					types = append(types, t.String())
				}
				caps := make([]string, 0, len(p.Capabilities()))
				for _, c := range p.Capabilities() {
					caps = append(caps, string(c))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					p.Name(), p.Version(),
					strings.Join(types, ","), strings.Join(caps, ","),
					p.Manifest.WasmPath())
			}
			return w.Flush()
		},
	}
}
