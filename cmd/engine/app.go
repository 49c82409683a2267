package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/netscan-engine/internal/classify"
	"github.com/yourorg/netscan-engine/internal/config"
	"github.com/yourorg/netscan-engine/internal/db"
	"github.com/yourorg/netscan-engine/internal/orchestrator"
	"github.com/yourorg/netscan-engine/internal/probe"
	s3c "github.com/yourorg/netscan-engine/internal/s3"
	"github.com/yourorg/netscan-engine/internal/vulnfeed"
	"github.com/yourorg/netscan-engine/internal/vulnindex"
)

// app holds everything the commands share.
type app struct {
	store  *db.Store
	s3     *s3c.Client
	index  *vulnindex.Index
	syncer *vulnfeed.Syncer
	orch   *orchestrator.Orchestrator
	log    *logrus.Entry
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{log: logrus.WithField("component", "engine"), index: vulnindex.NewIndex()}

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	a.store = store
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	if err := store.EnsureSchema(ctx); err != nil {
		if !isInsufficientPrivilege(err) {
			store.Close()
			return nil, errors.Wrap(err, "ensure schema")
		}
		a.log.WithError(err).Warn("ensure schema skipped due to insufficient privilege")
	}

	if cfg.S3Endpoint != "" {
		if a.s3, err = s3c.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL, cfg.S3Region); err != nil {
			store.Close()
			return nil, err
		}
	}

	sigs, err := a.loadSignatures(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	if a.syncer, err = newSyncer(cfg, a.index, store, a.s3); err != nil {
		store.Close()
		return nil, err
	}
	if err := a.syncer.Restore(ctx); err != nil {
		a.log.WithError(err).Warn("could not restore previous vulnerability snapshot")
	}

	pcfg := probe.DefaultConfig()
	pcfg.Concurrency = cfg.ProbeConcurrency
	pcfg.HostTimeout = cfg.HostTimeout
	pcfg.DialTimeout = cfg.DialTimeout
	pcfg.BannerTimeout = cfg.BannerTimeout
	if len(cfg.ScanPorts) > 0 {
		pcfg.Ports = cfg.ScanPorts
	}

	opts := []orchestrator.Option{orchestrator.WithLogger(logrus.WithField("component", "orchestrator"))}
	if a.s3 != nil {
		opts = append(opts, orchestrator.WithArchive(a.s3))
	}
	a.orch = orchestrator.New(orchestrator.Config{
		Probe:         pcfg,
		Timeout:       cfg.ScanTimeout,
		MaxConcurrent: cfg.MaxConcurrentScans,
		HistoryLimit:  cfg.ClassificationHistory,
		StaleAfter:    cfg.HostStaleAfter,
		LockTTL:       cfg.ScanLockTTL,
		ReportsBucket: cfg.ReportsBucket,
	}, store, classify.New(sigs), a.index, opts...)
	return a, nil
}

func (a *app) Close() {
	a.store.Close()
}

// loadSignatures returns nil for the built-in rules. SIGNATURES_FILE may
// point at a local file or an s3://bucket/key object.
func (a *app) loadSignatures(ctx context.Context, cfg config.Config) ([]classify.Signature, error) {
	path := cfg.SignaturesFile
	if path == "" {
		return nil, nil
	}
	if rest, ok := strings.CutPrefix(path, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || a.s3 == nil {
			return nil, errors.Errorf("SIGNATURES_FILE %s needs S3_ENDPOINT and a bucket/key", path)
		}
		local := filepath.Join(cfg.ScratchDir, "signatures-"+filepath.Base(key))
		dctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := a.s3.DownloadToFile(dctx, bucket, key, local); err != nil {
			return nil, err
		}
		defer os.Remove(local)
		path = local
	}
	sigs, err := classify.LoadRules(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load signatures from %s", cfg.SignaturesFile)
	}
	a.log.WithField("rules", len(sigs)).Infof("loaded signatures from %s", cfg.SignaturesFile)
	return sigs, nil
}

func newSyncer(cfg config.Config, index *vulnindex.Index, store vulnfeed.RecordStore, objects *s3c.Client) (*vulnfeed.Syncer, error) {
	client := &http.Client{Timeout: 5 * time.Minute}
	var getter vulnfeed.ObjectGetter
	if objects != nil {
		getter = objects
	}
	s := &vulnfeed.Syncer{
		Index: index,
		Store: store,
		Log:   logrus.WithField("component", "feed"),
	}
	var err error
	if cfg.FeedURL != "" {
		if s.Feed, err = vulnfeed.OpenSource(cfg.FeedURL, client, getter); err != nil {
			return nil, err
		}
	}
	if cfg.KEVURL != "" {
		if s.KEV, err = vulnfeed.OpenSource(cfg.KEVURL, client, getter); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}
