package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/yourorg/netscan-engine/internal/model"
)

const (
	defaultLimit = 500
	maxLimit     = 5000
)

// where accumulates numbered SQL predicates and their arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) timeRange(col string, from, to time.Time) {
	if !from.IsZero() {
		w.add(col+" >= ?", from)
	}
	if !to.IsZero() {
		w.add(col+" < ?", to)
	}
}

func (w *where) limit(n int) string {
	if n <= 0 {
		n = defaultLimit
	}
	n = min(n, maxLimit)
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (s *Store) ListScans(ctx context.Context, org string, from, to time.Time, limit int) ([]model.ScanRecord, error) {
	w := &where{}
	w.add("org_id = ?", org)
	w.timeRange("created_at", from, to)
	q := `SELECT ` + scanColumns + ` FROM scans` + w.String() + ` ORDER BY created_at DESC` + w.limit(limit)
	rows, err := s.Pool.Query(ctx, q, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScanRecord
	for rows.Next() {
		r, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) ListHosts(ctx context.Context, org string, from, to time.Time, limit int) ([]model.Host, error) {
	w := &where{}
	w.add("org_id = ?", org)
	w.timeRange("last_seen", from, to)
	q := `SELECT org_id, host(ip), COALESCE(mac, ''), first_seen, last_seen, ports, liveness, COALESCE(last_scan_id::text, '')
		FROM hosts` + w.String() + ` ORDER BY ip` + w.limit(limit)
	rows, err := s.Pool.Query(ctx, q, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Host
	for rows.Next() {
		var (
			h        model.Host
			ip       string
			ports    []byte
			liveness string
		)
		if err := rows.Scan(&h.OrgID, &ip, &h.MAC, &h.FirstSeen, &h.LastSeen, &ports, &liveness, &h.LastScanID); err != nil {
			return nil, err
		}
		h.IP = parseAddr(ip)
		h.Liveness = model.Liveness(liveness)
		if err := json.Unmarshal(ports, &h.Ports); err != nil {
			return nil, errors.Wrap(err, "decode ports")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListClassifications returns classification history rows, newest first.
// When latestOnly is set only the current classification per host is kept.
func (s *Store) ListClassifications(ctx context.Context, org string, from, to time.Time, latestOnly bool, limit int) ([]model.Classification, error) {
	w := &where{}
	w.add("org_id = ?", org)
	w.timeRange("computed_at", from, to)
	sel := `SELECT host(host_ip), device_type, COALESCE(vendor, ''), COALESCE(os, ''), confidence,
		COALESCE(rule, ''), products, scan_id::text, computed_at FROM host_classifications` + w.String()
	if latestOnly {
		sel = `SELECT DISTINCT ON (host_ip) host(host_ip), device_type, COALESCE(vendor, ''), COALESCE(os, ''), confidence,
		COALESCE(rule, ''), products, scan_id::text, computed_at FROM host_classifications` + w.String() +
			` ORDER BY host_ip, computed_at DESC, id DESC`
		sel = `SELECT * FROM (` + sel + `) latest ORDER BY computed_at DESC`
	} else {
		sel += ` ORDER BY computed_at DESC, id DESC`
	}
	rows, err := s.Pool.Query(ctx, sel+w.limit(limit), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Classification
	for rows.Next() {
		var (
			c        model.Classification
			ip, typ  string
			products []byte
		)
		if err := rows.Scan(&ip, &typ, &c.Vendor, &c.OS, &c.Confidence, &c.Rule, &products, &c.ScanID, &c.ComputedAt); err != nil {
			return nil, err
		}
		c.HostIP = parseAddr(ip)
		c.Type = model.DeviceType(typ)
		if err := json.Unmarshal(products, &c.Products); err != nil {
			return nil, errors.Wrap(err, "decode products")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const findingColumns = `f.id::text, f.org_id, host(f.host_ip), f.cve_id, f.cvss, f.known_exploited, f.published, f.confidence, f.rank,
	f.match_type, COALESCE(f.evidence, ''), f.status, f.first_detected_at, f.detected_at, f.last_confirmed_at, f.resolved_at,
	COALESCE(f.first_scan_id::text, ''), COALESCE(f.last_scan_id::text, '')`

const findingOrder = ` ORDER BY f.cvss DESC, f.known_exploited DESC, f.host_ip, f.rank`

// findingQuery builds the SELECT for f. It never interpolates user input.
// The keyword also searches the CVE description held in vuln_records.
func findingQuery(f model.FindingFilter) (string, []any) {
	w := &where{}
	w.add("f.org_id = ?", f.OrgID)
	if f.HostIP != "" {
		w.add("f.host_ip = ?::text::inet", f.HostIP)
	}
	if len(f.Severities) > 0 {
		sev := make([]string, len(f.Severities))
		for i, s := range f.Severities {
			sev[i] = s.String()
		}
		w.add("f.severity = ANY(?::text[])", sev)
	}
	from := ` FROM findings f`
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		from += ` LEFT JOIN vuln_records v ON v.cve_id = f.cve_id`
		w.add("(f.cve_id ILIKE ? OR f.evidence ILIKE ? OR v.description ILIKE ?)", "%"+escapeLike(kw)+"%")
	}
	if f.RecentDays > 0 {
		w.add("f.detected_at >= now() - make_interval(days => ?)", f.RecentDays)
	}
	if f.Status != "" {
		w.add("f.status = ?", string(f.Status))
	}
	w.timeRange("f.detected_at", f.From, f.To)
	q := `SELECT ` + findingColumns + from + w.String() + findingOrder + w.limit(f.Limit)
	return q, w.args
}

// activeFindingsQuery selects every open finding of org. It is unpaged: risk
// rollups and resolution need the whole open set.
func activeFindingsQuery(org string) (string, []any) {
	w := &where{}
	w.add("f.org_id = ?", org)
	w.add("f.status = ?", string(model.FindingOpen))
	return `SELECT ` + findingColumns + ` FROM findings f` + w.String() + findingOrder, w.args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) QueryFindings(ctx context.Context, f model.FindingFilter) ([]model.Finding, error) {
	q, args := findingQuery(f)
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectFindings(rows)
}

// ActiveFindings returns every open finding of org, however many there are.
func (s *Store) ActiveFindings(ctx context.Context, org string) ([]model.Finding, error) {
	q, args := activeFindingsQuery(org)
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectFindings(rows)
}

// FindingsOpenAt returns the findings of org that were open at t: detected
// before t and not resolved by then. Like ActiveFindings it is unpaged.
func (s *Store) FindingsOpenAt(ctx context.Context, org string, t time.Time) ([]model.Finding, error) {
	q, args := openAtQuery(org, t)
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectFindings(rows)
}

func openAtQuery(org string, t time.Time) (string, []any) {
	w := &where{}
	w.add("f.org_id = ?", org)
	w.add("f.first_detected_at < ?", t)
	w.add("(f.status = 'open' OR f.resolved_at > ?)", t)
	return `SELECT ` + findingColumns + ` FROM findings f` + w.String() + findingOrder, w.args
}

// ResolveFinding dismisses an open finding by hand.
func (s *Store) ResolveFinding(ctx context.Context, org, id string) error {
	if !validUUID(id) {
		return model.ErrNotFound
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE findings SET status='resolved', resolved_at=now()
		WHERE id=$1::uuid AND org_id=$2 AND status='open'
	`, id, org)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func collectFindings(rows pgx.Rows) ([]model.Finding, error) {
	defer rows.Close()
	var out []model.Finding
	for rows.Next() {
		var (
			f         model.Finding
			ip        string
			published *time.Time
			mt, st    string
		)
		if err := rows.Scan(&f.ID, &f.OrgID, &ip, &f.CVEID, &f.CVSS, &f.KnownExploited, &published, &f.Confidence, &f.Rank,
			&mt, &f.Evidence, &st, &f.FirstDetected, &f.DetectedAt, &f.LastConfirmed, &f.ResolvedAt,
			&f.FirstScanID, &f.LastScanID); err != nil {
			return nil, err
		}
		f.HostIP = parseAddr(ip)
		f.Severity = model.SeverityFromScore(f.CVSS)
		f.MatchType = model.MatchType(mt)
		f.Status = model.FindingStatus(st)
		if published != nil {
			f.Published = *published
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ReplaceVulnRecords swaps the persisted feed for records in one transaction.
func (s *Store) ReplaceVulnRecords(ctx context.Context, records []model.VulnRecord, syncedAt time.Time) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM vuln_records`); err != nil {
		return err
	}
	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		rows := make([][]any, 0, end-start)
		for _, r := range records[start:end] {
			affected, _ := json.Marshal(r.Affected)
			rows = append(rows, []any{
				r.CVEID, r.CVSS, model.SeverityFromScore(r.CVSS).String(), nullableString(r.Description),
				affected, nullableTime(r.Published), r.KnownExploited, syncedAt,
			})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"vuln_records"},
			[]string{"cve_id", "cvss", "severity", "description", "affected", "published", "known_exploited", "synced_at"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return errors.Wrap(err, "copy vuln records")
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) LoadVulnRecords(ctx context.Context) ([]model.VulnRecord, time.Time, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT cve_id, cvss, COALESCE(description, ''), affected, published, known_exploited, synced_at
		FROM vuln_records ORDER BY cve_id
	`)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()
	var (
		out    []model.VulnRecord
		synced time.Time
	)
	for rows.Next() {
		var (
			r         model.VulnRecord
			affected  []byte
			published *time.Time
			at        time.Time
		)
		if err := rows.Scan(&r.CVEID, &r.CVSS, &r.Description, &affected, &published, &r.KnownExploited, &at); err != nil {
			return nil, time.Time{}, err
		}
		if err := json.Unmarshal(affected, &r.Affected); err != nil {
			return nil, time.Time{}, errors.Wrapf(err, "decode affected for %s", r.CVEID)
		}
		if published != nil {
			r.Published = *published
		}
		r.Severity = model.SeverityFromScore(r.CVSS)
		if at.After(synced) {
			synced = at
		}
		out = append(out, r)
	}
	return out, synced, rows.Err()
}
