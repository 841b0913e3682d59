package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPacksCmd(a *app) *cobra.Command {
	packs := &cobra.Command{
		Use:   "packs",
		Short: "Inspect veil packs",
	}
	packs.AddCommand(&cobra.Command{
		Use:   "resolve <selector>",
		Short: "Print the lines a comma-separated pack selector resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines := a.cfg.Packs.Resolver(a.logger).Lines(cmd.Context(), args[0])
			for _, l := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "List the packs declared by the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := a.cfg.Packs.Resolver(a.logger).Catalog(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})
	return packs
}
