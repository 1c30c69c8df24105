package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/Cotation/internal/services"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the bundled grid templates",
	// Listing needs neither configuration nor a store.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tNAME\tDOMAINS\tINDICATORS")
		for _, tpl := range services.Templates() {
			indicators := 0
			for _, d := range tpl.Domains {
				indicators += len(d.Indicators)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", tpl.Key, tpl.Name, len(tpl.Domains), indicators)
		}
		return w.Flush()
	},
}
