package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/yourorg/netscan-engine/internal/db"
	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/report"
)

// newStatusCmd reads a scan record straight from the database, so it works
// against scans a separate serve process is running.
func newStatusCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status SCAN_ID",
		Short: "Show a scan's state, optionally waiting for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return errors.Wrap(err, "open database")
			}
			defer store.Close()

			var rec *model.ScanRecord
			if wait {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				rec, err = store.WaitScan(ctx, args[0])
			} else {
				rec, err = store.GetScan(ctx, args[0])
			}
			if errors.Is(err, model.ErrNotFound) {
				return errors.Errorf("scan %s not found", args[0])
			}
			if err != nil {
				return err
			}
			report.Scan(cmd.OutOrStdout(), rec)
			if rec.Status == model.ScanFailed {
				return errors.Errorf("scan %s failed: %s", rec.ID, rec.FailureReason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the scan completes or fails")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long")
	return cmd
}
