package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/orchestrator"
	"github.com/yourorg/netscan-engine/internal/report"
)

func newScanCmd() *cobra.Command {
	var (
		req      orchestrator.Request
		scanType string
		syncFeed bool
	)
	cmd := &cobra.Command{
		Use:   "scan --org ORG --range CIDR [--range CIDR...]",
		Short: "Run one scan in-process and print the results",
		Long: `Examples:
  # Discover and correlate a /24
  $ netscan-engine scan --org acme --range 192.168.1.0/24

  # Discovery only, skipping the gateway
  $ netscan-engine scan --org acme --range 10.0.0.0/28 --exclude 10.0.0.1 --type network`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if syncFeed {
				if err := a.syncer.Sync(ctx); err != nil {
					a.log.WithError(err).Warn("feed sync failed, scanning with the stored snapshot")
				}
			}

			req.Type = model.ScanType(scanType)
			id, err := a.orch.Trigger(ctx, req)
			if err != nil {
				return err
			}
			rec, err := a.orch.Wait(ctx, id)
			if err != nil {
				if shErr := a.orch.Shutdown(context.Background()); shErr != nil {
					a.log.WithError(shErr).Warn("shutdown")
				}
				return err
			}
			out := cmd.OutOrStdout()
			report.Scan(out, rec)
			if rec.Status != model.ScanCompleted {
				return errors.Errorf("scan %s %s", rec.ID, rec.FailureReason)
			}

			return printScanDetail(ctx, a, out, rec)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.OrgID, "org", "", "organization the scan belongs to")
	f.StringSliceVar(&req.Ranges, "range", nil, "CIDR range or address to scan (repeatable)")
	f.StringSliceVar(&req.Exclude, "exclude", nil, "address or CIDR to skip (repeatable)")
	f.StringVar(&scanType, "type", string(model.ScanNetworkVuln), "scan type: network or network+vuln")
	f.DurationVar(&req.Timeout, "timeout", 0, "overall scan timeout (default SCAN_TIMEOUT)")
	f.IntVar(&req.Concurrency, "concurrency", 0, "hosts probed in parallel (default PROBE_CONCURRENCY)")
	f.BoolVar(&syncFeed, "sync", false, "sync the vulnerability feed before scanning")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("range")
	return cmd
}

// printScanDetail prints the hosts, classifications and open findings the
// scan touched.
func printScanDetail(ctx context.Context, a *app, out io.Writer, rec *model.ScanRecord) error {
	var from time.Time
	if rec.StartedAt != nil {
		from = *rec.StartedAt
	}
	hosts, err := a.store.ListHosts(ctx, rec.OrgID, from, time.Time{}, 0)
	if err != nil {
		return err
	}
	cls, err := a.store.ListClassifications(ctx, rec.OrgID, from, time.Time{}, true, 0)
	if err != nil {
		return err
	}
	report.Hosts(out, hosts, cls)

	if rec.Type != model.ScanNetworkVuln {
		return nil
	}
	open, err := a.store.ActiveFindings(ctx, rec.OrgID)
	if err != nil {
		return err
	}
	var mine []model.Finding
	for _, f := range open {
		if f.LastScanID == rec.ID {
			mine = append(mine, f)
		}
	}
	slices.SortFunc(mine, func(x, y model.Finding) int {
		if c := x.HostIP.Compare(y.HostIP); c != 0 {
			return c
		}
		return x.Rank - y.Rank
	})
	report.Findings(out, mine)
	return nil
}
