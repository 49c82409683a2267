package db

import (
	"context"
	"encoding/json"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/yourorg/netscan-engine/internal/model"
)

const (
	batchSize     = 100
	notifyChannel = "scan_events"
)

// ErrNotRunning means a status-guarded update found the scan already left
// the state it expected.
var ErrNotRunning = errors.New("scan is not running")

type Store struct{ Pool *pgxpool.Pool }

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

func (s *Store) notifyScanChanged(ctx context.Context, id string) {
	_, _ = s.Pool.Exec(ctx, `SELECT pg_notify('`+notifyChannel+`', $1)`, id)
}

func (s *Store) CreateScan(ctx context.Context, rec model.ScanRecord) error {
	ranges, err := json.Marshal(rec.Ranges)
	if err != nil {
		return errors.Wrap(err, "encode ranges")
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO scans (id, org_id, ranges, scan_type, status, created_at, progress_pct, progress_msg)
		VALUES ($1::uuid, $2, $3::jsonb, $4, 'pending', $5, 0, 'queued')
	`, rec.ID, rec.OrgID, string(ranges), string(rec.Type), rec.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert scan")
	}
	s.notifyScanChanged(ctx, rec.ID)
	return nil
}

func (s *Store) MarkRunning(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE scans
		SET status='running', started_at=now(), progress_pct=0, progress_msg='starting'
		WHERE id=$1::uuid
		  AND status='pending'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotRunning
	}
	s.notifyScanChanged(ctx, id)
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, id string, pct int, msg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE scans
		SET progress_pct=GREATEST(progress_pct, $2),
		    progress_msg=CASE WHEN $2 >= progress_pct THEN $3 ELSE progress_msg END
		WHERE id=$1::uuid
		  AND status='running'
	`, id, pct, msg)
	return err
}

func (s *Store) InsertEvent(ctx context.Context, scanID string, ev model.ProgressEvent) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO scan_events (scan_id, ts, stage, detail, pct)
		VALUES ($1::uuid, $2, $3, $4, $5)
	`, scanID, ev.TS, ev.Stage, ev.Detail, ev.Pct)
	return err
}

// MarkFailed moves a non-terminal scan to failed. Terminal scans are left
// untouched.
func (s *Store) MarkFailed(ctx context.Context, id string, reason model.FailureReason, msg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE scans
		SET status='failed',
		    finished_at=now(),
		    failure_reason=$2,
		    failure_msg=$3,
		    progress_msg=$3
		WHERE id=$1::uuid
		  AND status IN ('pending','running')
	`, id, string(reason), msg)
	if err == nil {
		s.notifyScanChanged(ctx, id)
	}
	return err
}

// FailInterrupted fails every scan a previous process left pending or
// running. Used at startup.
func (s *Store) FailInterrupted(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		UPDATE scans
		SET status='failed',
		    finished_at=now(),
		    failure_reason='interrupted',
		    failure_msg='engine restarted while scan was in progress',
		    progress_msg='interrupted'
		WHERE status IN ('pending','running')
		RETURNING id::text
	`)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.notifyScanChanged(ctx, id)
	}
	return ids, nil
}

const scanColumns = `id::text, org_id, ranges, scan_type, status, created_at, started_at, finished_at,
	COALESCE(failure_reason, ''), COALESCE(failure_msg, ''), progress_pct, COALESCE(progress_msg, ''), summary_json`

func scanScan(row pgx.Row) (*model.ScanRecord, error) {
	var (
		r       model.ScanRecord
		ranges  []byte
		summary []byte
		typ     string
		status  string
		reason  string
	)
	if err := row.Scan(&r.ID, &r.OrgID, &ranges, &typ, &status, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
		&reason, &r.FailureMsg, &r.ProgressPct, &r.ProgressMsg, &summary); err != nil {
		return nil, err
	}
	r.Type = model.ScanType(typ)
	r.Status = model.ScanStatus(status)
	r.FailureReason = model.FailureReason(reason)
	if len(ranges) > 0 {
		if err := json.Unmarshal(ranges, &r.Ranges); err != nil {
			return nil, errors.Wrap(err, "decode ranges")
		}
	}
	if len(summary) > 0 {
		r.Summary = &model.Summary{}
		if err := json.Unmarshal(summary, r.Summary); err != nil {
			return nil, errors.Wrap(err, "decode summary")
		}
	}
	return &r, nil
}

func (s *Store) GetScan(ctx context.Context, id string) (*model.ScanRecord, error) {
	if !validUUID(id) {
		return nil, model.ErrNotFound
	}
	rec, err := scanScan(s.Pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id=$1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return rec, err
}

// WaitScan blocks until the scan reaches a terminal state, waking on
// pg_notify instead of polling.
func (s *Store) WaitScan(ctx context.Context, id string) (*model.ScanRecord, error) {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		return nil, err
	}
	defer func() { _, _ = conn.Exec(context.Background(), `UNLISTEN `+notifyChannel) }()

	for {
		rec, err := s.GetScan(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = conn.Conn().WaitForNotification(wctx)
		cancel()
		if err != nil && ctx.Err() != nil {
			return rec, ctx.Err()
		}
	}
}

// MarkStaleHosts flags hosts of org not seen since before cutoff.
func (s *Store) MarkStaleHosts(ctx context.Context, org string, cutoff time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE hosts
		SET liveness='stale'
		WHERE org_id=$1
		  AND liveness <> 'stale'
		  AND last_seen < $2
	`, org, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) SetReportKey(ctx context.Context, id, bucket, key string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE scans SET report_bucket=$2, report_key=$3 WHERE id=$1::uuid`, id, bucket, key)
	return err
}

func validUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

func parseAddr(s string) netip.Addr {
	a, _ := netip.ParseAddr(s)
	return a
}

func coalesceString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
