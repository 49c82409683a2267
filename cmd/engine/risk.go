package main

import (
	"github.com/spf13/cobra"

	"github.com/yourorg/netscan-engine/internal/report"
	"github.com/yourorg/netscan-engine/internal/risk"
)

func newRiskCmd() *cobra.Command {
	var (
		org string
		top int
	)
	cmd := &cobra.Command{
		Use:   "risk --org ORG",
		Short: "Print the organization's open-finding rollup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if top <= 0 {
				top = cfg.RiskTopN
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			active, err := a.store.ActiveFindings(cmd.Context(), org)
			if err != nil {
				return err
			}
			report.Risk(cmd.OutOrStdout(), risk.Aggregate(active, active, top))
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization")
	cmd.Flags().IntVar(&top, "top", 0, "number of hosts to list (default RISK_TOP_N)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
