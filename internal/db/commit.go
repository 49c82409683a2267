package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/yourorg/netscan-engine/internal/model"
)

// CommitScan writes everything a scan produced in one transaction: hosts,
// classifications (history trimmed to historyLimit per host), findings, the
// resolution of findings the scan no longer reproduces, and the completed
// scan record. The summary's NewFindings and Resolved counts are filled in
// from what the database actually changed. Nothing is written if the scan is
// no longer running.
func (s *Store) CommitScan(ctx context.Context, rep *model.ScanReport, historyLimit int) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	scanID, org := rep.Scan.ID, rep.Scan.OrgID
	now := time.Now().UTC()
	if rep.Scan.FinishedAt != nil {
		now = *rep.Scan.FinishedAt
	}

	if err := upsertHosts(ctx, tx, org, scanID, rep.Hosts); err != nil {
		return errors.Wrap(err, "upsert hosts")
	}
	if len(rep.Unreachable) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE hosts SET liveness='unreachable', last_scan_id=$3::uuid
			WHERE org_id=$1 AND ip = ANY($2::text[]::inet[]) AND liveness='alive'
		`, org, rep.Unreachable, scanID); err != nil {
			return errors.Wrap(err, "mark unreachable")
		}
	}
	if err := insertClassifications(ctx, tx, org, scanID, rep.Classifications, historyLimit); err != nil {
		return errors.Wrap(err, "insert classifications")
	}

	created, err := upsertFindings(ctx, tx, org, scanID, now, rep.Findings)
	if err != nil {
		return errors.Wrap(err, "upsert findings")
	}

	resolved := 0
	if rep.Correlated && len(rep.Hosts) > 0 {
		alive := make([]string, len(rep.Hosts))
		for i, h := range rep.Hosts {
			alive[i] = h.IP.String()
		}
		tag, err := tx.Exec(ctx, `
			UPDATE findings
			SET status='resolved', resolved_at=$3, resolved_scan_id=$4::uuid
			WHERE org_id=$1
			  AND status='open'
			  AND host_ip = ANY($2::text[]::inet[])
			  AND last_scan_id IS DISTINCT FROM $4::uuid
		`, org, alive, now, scanID)
		if err != nil {
			return errors.Wrap(err, "resolve findings")
		}
		resolved = int(tag.RowsAffected())
	}

	if rep.Scan.Summary == nil {
		rep.Scan.Summary = &model.Summary{}
	}
	rep.Scan.Summary.NewFindings = created
	rep.Scan.Summary.Resolved = resolved
	summary, err := json.Marshal(rep.Scan.Summary)
	if err != nil {
		return errors.Wrap(err, "encode summary")
	}
	tag, err := tx.Exec(ctx, `
		UPDATE scans
		SET status='completed', finished_at=$2,
		    progress_pct=100, progress_msg='completed',
		    summary_json=$3::jsonb, feed_snapshot=$4
		WHERE id=$1::uuid
		  AND status='running'
	`, scanID, now, string(summary), nullableString(rep.FeedSnapshot))
	if err != nil {
		return errors.Wrap(err, "complete scan")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotRunning
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.notifyScanChanged(ctx, scanID)
	return nil
}

func upsertHosts(ctx context.Context, tx pgx.Tx, org, scanID string, hosts []model.Host) error {
	for start := 0; start < len(hosts); start += batchSize {
		end := min(start+batchSize, len(hosts))
		batch := &pgx.Batch{}
		for _, h := range hosts[start:end] {
			ports, _ := json.Marshal(portsOrEmpty(h.Ports))
			batch.Queue(`
INSERT INTO hosts (org_id, ip, mac, first_seen, last_seen, ports, liveness, last_scan_id)
VALUES ($1, $2::text::inet, $3, $4, $4, $5::jsonb, 'alive', $6::uuid)
ON CONFLICT (org_id, ip) DO UPDATE SET
  mac = COALESCE(EXCLUDED.mac, hosts.mac),
  last_seen = EXCLUDED.last_seen,
  ports = EXCLUDED.ports,
  liveness = 'alive',
  last_scan_id = EXCLUDED.last_scan_id`,
				org, h.IP.String(), nullableString(h.MAC), h.LastSeen, string(ports), scanID)
		}
		if err := execBatch(ctx, tx, batch); err != nil {
			return err
		}
	}
	return nil
}

func insertClassifications(ctx context.Context, tx pgx.Tx, org, scanID string, cls []model.Classification, historyLimit int) error {
	if len(cls) == 0 {
		return nil
	}
	ips := make([]string, 0, len(cls))
	for start := 0; start < len(cls); start += batchSize {
		end := min(start+batchSize, len(cls))
		batch := &pgx.Batch{}
		for _, c := range cls[start:end] {
			products, _ := json.Marshal(productsOrEmpty(c.Products))
			batch.Queue(`
INSERT INTO host_classifications (org_id, host_ip, scan_id, device_type, vendor, os, confidence, rule, products, computed_at)
VALUES ($1, $2::text::inet, $3::uuid, $4, $5, $6, $7, $8, $9::jsonb, $10)`,
				org, c.HostIP.String(), scanID, string(c.Type), nullableString(c.Vendor), nullableString(c.OS),
				c.Confidence, nullableString(c.Rule), string(products), c.ComputedAt)
			ips = append(ips, c.HostIP.String())
		}
		if err := execBatch(ctx, tx, batch); err != nil {
			return err
		}
	}
	if historyLimit <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		DELETE FROM host_classifications
		WHERE id IN (
			SELECT id FROM (
				SELECT id, row_number() OVER (PARTITION BY host_ip ORDER BY computed_at DESC, id DESC) AS rn
				FROM host_classifications
				WHERE org_id=$1 AND host_ip = ANY($2::text[]::inet[])
			) ranked
			WHERE rn > $3
		)
	`, org, ips, historyLimit)
	return err
}

// upsertFindings returns how many findings are new or reopened.
func upsertFindings(ctx context.Context, tx pgx.Tx, org, scanID string, now time.Time, findings []model.Finding) (int, error) {
	created := 0
	for start := 0; start < len(findings); start += batchSize {
		end := min(start+batchSize, len(findings))
		chunk := findings[start:end]
		batch := &pgx.Batch{}
		for _, f := range chunk {
			id := f.ID
			if id == "" {
				id = uuid.NewString()
			}
			batch.Queue(`
INSERT INTO findings (
  id, org_id, host_ip, cve_id, cvss, severity, known_exploited, published,
  confidence, rank, match_type, evidence, status,
  first_detected_at, detected_at, last_confirmed_at, first_scan_id, last_scan_id
)
VALUES (
  $1::uuid, $2, $3::text::inet, $4, $5, $6, $7, $8,
  $9, $10, $11, $12, 'open',
  $13, $13, $13, $14::uuid, $14::uuid
)
ON CONFLICT (org_id, host_ip, cve_id) DO UPDATE SET
  cvss = EXCLUDED.cvss,
  severity = EXCLUDED.severity,
  known_exploited = EXCLUDED.known_exploited,
  confidence = EXCLUDED.confidence,
  rank = EXCLUDED.rank,
  match_type = EXCLUDED.match_type,
  evidence = EXCLUDED.evidence,
  detected_at = CASE WHEN findings.status = 'resolved' THEN EXCLUDED.detected_at ELSE findings.detected_at END,
  status = 'open',
  resolved_at = NULL,
  resolved_scan_id = NULL,
  last_confirmed_at = EXCLUDED.last_confirmed_at,
  last_scan_id = EXCLUDED.last_scan_id
RETURNING (xmax = 0) OR (detected_at = $13)`,
				id, org, f.HostIP.String(), f.CVEID, f.CVSS, f.Severity.String(), f.KnownExploited, nullableTime(f.Published),
				f.Confidence, f.Rank, string(f.MatchType), nullableString(f.Evidence),
				now, scanID)
		}
		br := tx.SendBatch(ctx, batch)
		for range chunk {
			var isNew bool
			if err := br.QueryRow().Scan(&isNew); err != nil {
				_ = br.Close()
				return 0, err
			}
			if isNew {
				created++
			}
		}
		if err := br.Close(); err != nil {
			return 0, err
		}
	}
	return created, nil
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func portsOrEmpty(p []model.Port) []model.Port {
	if p == nil {
		return []model.Port{}
	}
	return p
}

func productsOrEmpty(p []model.Product) []model.Product {
	if p == nil {
		return []model.Product{}
	}
	return p
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
