// Command feedsync pulls the vulnerability feed once, persists the record set
// and exits. It suits cron jobs and first-time database seeding.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourorg/netscan-engine/internal/config"
	"github.com/yourorg/netscan-engine/internal/db"
	"github.com/yourorg/netscan-engine/internal/s3"
	"github.com/yourorg/netscan-engine/internal/vulnfeed"
	"github.com/yourorg/netscan-engine/internal/vulnindex"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	if err := newCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var (
		feedURL, kevURL string
		timeout         time.Duration
		attempts        int
		dryRun          bool
	)
	cmd := &cobra.Command{
		Use:          "feedsync",
		Short:        "Fetch the vulnerability feed and store it",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			lvl, err := logrus.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(lvl)
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

			if feedURL == "" {
				feedURL = cfg.FeedURL
			}
			if kevURL == "" {
				kevURL = cfg.KEVURL
			}
			if feedURL == "" {
				return errors.New("no feed source: set FEED_URL or --feed")
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return run(ctx, cfg, feedURL, kevURL, attempts, dryRun)
		},
	}
	cmd.Flags().StringVar(&feedURL, "feed", "", "feed location: http(s)://, file path or s3://bucket/key (default FEED_URL)")
	cmd.Flags().StringVar(&kevURL, "kev", "", "known-exploited catalog location (default KEV_URL)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "overall deadline, 0 for none")
	cmd.Flags().IntVar(&attempts, "attempts", 3, "fetch attempts per source")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and validate without writing to the database")
	return cmd
}

func run(ctx context.Context, cfg config.Config, feedURL, kevURL string, attempts int, dryRun bool) error {
	log := logrus.WithField("component", "feedsync")

	var objects vulnfeed.ObjectGetter
	if cfg.S3Endpoint != "" {
		client, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.S3Region)
		if err != nil {
			return err
		}
		objects = client
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	syncer := &vulnfeed.Syncer{
		Index:    vulnindex.NewIndex(),
		Log:      logrus.WithField("component", "feed"),
		Attempts: attempts,
	}
	var err error
	if syncer.Feed, err = vulnfeed.OpenSource(feedURL, httpClient, objects); err != nil {
		return err
	}
	if kevURL != "" {
		if syncer.KEV, err = vulnfeed.OpenSource(kevURL, httpClient, objects); err != nil {
			return err
		}
	}

	if !dryRun {
		store, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "open database")
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			if !isInsufficientPrivilege(err) {
				return errors.Wrap(err, "ensure schema")
			}
			log.WithError(err).Warn("ensure schema skipped due to insufficient privilege")
		}
		syncer.Store = store
	}

	if err := syncer.Sync(ctx); err != nil {
		var syncErr *vulnfeed.FeedSyncError
		if errors.As(err, &syncErr) {
			log.WithFields(logrus.Fields{"source": syncErr.Source, "stage": syncErr.Stage}).Error("sync aborted")
		}
		return err
	}

	st := syncer.Status()
	log.WithFields(logrus.Fields{
		"records":  st.Records,
		"skipped":  st.Skipped,
		"snapshot": st.Snapshot,
		"dry_run":  dryRun,
	}).Info("feed sync complete")
	return nil
}

func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}
