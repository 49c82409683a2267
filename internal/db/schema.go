package db

import "context"

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS scans (
  id UUID PRIMARY KEY,
  org_id TEXT NOT NULL,
  ranges JSONB NOT NULL DEFAULT '[]'::jsonb,
  scan_type TEXT NOT NULL DEFAULT 'network+vuln',
  status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ,
  failure_reason TEXT,
  failure_msg TEXT,
  progress_pct INTEGER NOT NULL DEFAULT 0 CHECK (progress_pct BETWEEN 0 AND 100),
  progress_msg TEXT,
  summary_json JSONB,
  feed_snapshot TEXT,
  report_bucket TEXT,
  report_key TEXT
);

ALTER TABLE scans ADD COLUMN IF NOT EXISTS feed_snapshot TEXT;
ALTER TABLE scans ADD COLUMN IF NOT EXISTS report_bucket TEXT;
ALTER TABLE scans ADD COLUMN IF NOT EXISTS report_key TEXT;

CREATE INDEX IF NOT EXISTS idx_scans_org_created ON scans (org_id, created_at);
CREATE INDEX IF NOT EXISTS idx_scans_status ON scans (status);

CREATE TABLE IF NOT EXISTS scan_events (
  id BIGSERIAL PRIMARY KEY,
  scan_id UUID NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
  ts TIMESTAMPTZ NOT NULL DEFAULT now(),
  stage TEXT NOT NULL,
  detail TEXT NOT NULL,
  pct SMALLINT
);

CREATE INDEX IF NOT EXISTS idx_scan_events_scan_id_id ON scan_events (scan_id, id);

CREATE OR REPLACE FUNCTION notify_scan_event() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('scan_events', NEW.id::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'scans_notify') THEN
    CREATE TRIGGER scans_notify
    AFTER UPDATE OF status ON scans
    FOR EACH ROW EXECUTE FUNCTION notify_scan_event();
  END IF;
END$$;

CREATE TABLE IF NOT EXISTS hosts (
  org_id TEXT NOT NULL,
  ip INET NOT NULL,
  mac TEXT,
  first_seen TIMESTAMPTZ NOT NULL,
  last_seen TIMESTAMPTZ NOT NULL,
  ports JSONB NOT NULL DEFAULT '[]'::jsonb,
  liveness TEXT NOT NULL CHECK (liveness IN ('alive','unreachable','stale')),
  last_scan_id UUID,
  PRIMARY KEY (org_id, ip)
);

CREATE INDEX IF NOT EXISTS idx_hosts_org_last_seen ON hosts (org_id, last_seen);

CREATE TABLE IF NOT EXISTS host_classifications (
  id BIGSERIAL PRIMARY KEY,
  org_id TEXT NOT NULL,
  host_ip INET NOT NULL,
  scan_id UUID NOT NULL,
  device_type TEXT NOT NULL,
  vendor TEXT,
  os TEXT,
  confidence DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
  rule TEXT,
  products JSONB NOT NULL DEFAULT '[]'::jsonb,
  computed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_host_cls_org_host ON host_classifications (org_id, host_ip, computed_at DESC);
CREATE INDEX IF NOT EXISTS idx_host_cls_org_computed ON host_classifications (org_id, computed_at);

CREATE TABLE IF NOT EXISTS findings (
  id UUID PRIMARY KEY,
  org_id TEXT NOT NULL,
  host_ip INET NOT NULL,
  cve_id TEXT NOT NULL,
  cvss DOUBLE PRECISION NOT NULL,
  severity TEXT NOT NULL,
  known_exploited BOOLEAN NOT NULL DEFAULT FALSE,
  published TIMESTAMPTZ,
  confidence DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
  rank INTEGER NOT NULL,
  match_type TEXT NOT NULL,
  evidence TEXT,
  status TEXT NOT NULL CHECK (status IN ('open','resolved')),
  first_detected_at TIMESTAMPTZ NOT NULL,
  detected_at TIMESTAMPTZ NOT NULL,
  last_confirmed_at TIMESTAMPTZ NOT NULL,
  resolved_at TIMESTAMPTZ,
  first_scan_id UUID,
  last_scan_id UUID,
  resolved_scan_id UUID,
  UNIQUE (org_id, host_ip, cve_id)
);

CREATE INDEX IF NOT EXISTS idx_findings_org_status ON findings (org_id, status);
CREATE INDEX IF NOT EXISTS idx_findings_org_detected ON findings (org_id, detected_at);
CREATE INDEX IF NOT EXISTS idx_findings_org_severity ON findings (org_id, severity);

CREATE TABLE IF NOT EXISTS vuln_records (
  cve_id TEXT PRIMARY KEY,
  cvss DOUBLE PRECISION NOT NULL CHECK (cvss BETWEEN 0 AND 10),
  severity TEXT NOT NULL,
  description TEXT,
  affected JSONB NOT NULL DEFAULT '[]'::jsonb,
  published TIMESTAMPTZ,
  known_exploited BOOLEAN NOT NULL DEFAULT FALSE,
  synced_at TIMESTAMPTZ NOT NULL
);
`)
	return err
}
