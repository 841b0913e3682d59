package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/commentveil/engine"
)

func newDriftCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Print recent adapter stability failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := a.cfg.Drift.OpenLedger(a.logger)
			if err != nil {
				return err
			}
			if ledger == nil {
				return errors.New("veil: drift ledger disabled")
			}
			defer ledger.Close()

			ctx := cmd.Context()
			recent, err := ledger.Recent(ctx, limit)
			if err != nil {
				return err
			}
			summary, err := ledger.Summary(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(engine.DriftResult{Recent: recent, Summary: summary})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum reports to print")
	return cmd
}
