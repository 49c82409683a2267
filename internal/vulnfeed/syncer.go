// Package vulnfeed fetches vulnerability feeds and publishes them into the
// live index.
package vulnfeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/vulnindex"
)

// FeedSyncError reports a failed sync. The previous snapshot stays live.
type FeedSyncError struct {
	Source string
	Stage  string
	Err    error
}

func (e *FeedSyncError) Error() string {
	return fmt.Sprintf("feed sync %s (%s): %v", e.Stage, e.Source, e.Err)
}

func (e *FeedSyncError) Unwrap() error { return e.Err }

// RecordStore persists the records behind a snapshot. *db.Store satisfies it.
type RecordStore interface {
	ReplaceVulnRecords(ctx context.Context, records []model.VulnRecord, syncedAt time.Time) error
	LoadVulnRecords(ctx context.Context) ([]model.VulnRecord, time.Time, error)
}

type Status struct {
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Records     int       `json:"records"`
	Skipped     int       `json:"skipped"`
	Snapshot    string    `json:"snapshot"`
}

type Syncer struct {
	Feed     Source
	KEV      Source // optional
	Index    *vulnindex.Index
	Store    RecordStore // optional
	Log      *logrus.Entry
	Attempts int
	Backoff  time.Duration
	Now      func() time.Time

	mu     sync.Mutex // serializes syncs
	stMu   sync.RWMutex
	status Status
}

func (s *Syncer) log() *logrus.Entry {
	if s.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return s.Log
}

func (s *Syncer) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s *Syncer) Status() Status {
	s.stMu.RLock()
	defer s.stMu.RUnlock()
	st := s.status
	st.Snapshot = s.Index.Current().Version()
	if st.Records == 0 {
		st.Records = s.Index.Current().Len()
	}
	return st
}

// Sync fetches the feed and KEV catalog, builds a snapshot, persists it and
// swaps it in. On any failure the live snapshot is left untouched.
func (s *Syncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	s.setAttempt(start)
	if s.Feed == nil {
		return s.fail(&FeedSyncError{Stage: "config", Err: errors.New("no feed source configured")})
	}

	raw, err := s.fetch(ctx, s.Feed)
	if err != nil {
		return s.fail(&FeedSyncError{Source: s.Feed.String(), Stage: "fetch", Err: err})
	}
	records, skipped, err := ParseFeed(raw)
	if err != nil {
		return s.fail(&FeedSyncError{Source: s.Feed.String(), Stage: "parse", Err: err})
	}

	if s.KEV != nil {
		kraw, err := s.fetch(ctx, s.KEV)
		if err != nil {
			return s.fail(&FeedSyncError{Source: s.KEV.String(), Stage: "fetch", Err: err})
		}
		kev, err := ParseKEV(kraw)
		if err != nil {
			return s.fail(&FeedSyncError{Source: s.KEV.String(), Stage: "parse", Err: err})
		}
		for i := range records {
			if kev[strings.ToUpper(records[i].CVEID)] {
				records[i].KnownExploited = true
			}
		}
	}

	if err := s.publish(ctx, records, start); err != nil {
		return s.fail(&FeedSyncError{Source: s.Feed.String(), Stage: "apply", Err: err})
	}

	s.stMu.Lock()
	s.status.LastSuccess = start
	s.status.LastError = ""
	s.status.Records = len(records)
	s.status.Skipped = skipped
	s.stMu.Unlock()
	s.log().WithFields(logrus.Fields{"records": len(records), "skipped": skipped}).
		Infof("vulnerability feed synced from %s in %v", s.Feed, s.now().Sub(start).Round(time.Millisecond))
	return nil
}

// ApplyRecords publishes an externally supplied record set through the same
// validate, persist, swap path as Sync.
func (s *Syncer) ApplyRecords(ctx context.Context, records []model.VulnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	s.setAttempt(at)
	if err := s.publish(ctx, records, at); err != nil {
		return s.fail(&FeedSyncError{Source: "api", Stage: "apply", Err: err})
	}
	s.stMu.Lock()
	s.status.LastSuccess = at
	s.status.LastError = ""
	s.status.Records = len(records)
	s.status.Skipped = 0
	s.stMu.Unlock()
	s.log().WithField("records", len(records)).Info("vulnerability snapshot applied")
	return nil
}

// Restore loads the last persisted record set into the index, so a restarted
// process correlates against the previous feed before its first sync.
func (s *Syncer) Restore(ctx context.Context) error {
	if s.Store == nil {
		return nil
	}
	records, at, err := s.Store.LoadVulnRecords(ctx)
	if err != nil {
		return errors.Wrap(err, "load vuln records")
	}
	if len(records) == 0 {
		return nil
	}
	snap, err := vulnindex.NewSnapshot(records, at)
	if err != nil {
		return errors.Wrap(err, "build snapshot")
	}
	s.Index.Apply(snap)
	s.log().WithField("records", snap.Len()).Info("restored vulnerability snapshot")
	return nil
}

// Run syncs immediately and then every interval until ctx is done. Failures
// are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			s.log().WithError(err).Warn("vulnerability feed sync failed, keeping previous snapshot")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Syncer) publish(ctx context.Context, records []model.VulnRecord, at time.Time) error {
	snap, err := vulnindex.NewSnapshot(records, at)
	if err != nil {
		return err
	}
	if s.Store != nil {
		if err := s.Store.ReplaceVulnRecords(ctx, snap.Records(), at); err != nil {
			return errors.Wrap(err, "persist records")
		}
	}
	s.Index.Apply(snap)
	return nil
}

func (s *Syncer) fetch(ctx context.Context, src Source) ([]byte, error) {
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var out []byte
	err := retry(ctx, attempts, backoff, func() error {
		b, err := src.Fetch(ctx)
		if err != nil {
			s.log().WithError(err).Debugf("fetch %s failed", src)
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (s *Syncer) setAttempt(t time.Time) {
	s.stMu.Lock()
	s.status.LastAttempt = t
	s.stMu.Unlock()
}

func (s *Syncer) fail(err *FeedSyncError) error {
	s.stMu.Lock()
	s.status.LastError = err.Error()
	s.stMu.Unlock()
	s.log().WithError(err).Error("vulnerability feed sync failed")
	return err
}
