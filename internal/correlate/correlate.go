// Package correlate matches classified hosts against a vulnerability snapshot.
package correlate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	version "github.com/hashicorp/go-version"

	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/vulnindex"
)

// Match specificity by evidence shape.
const (
	SpecVendorProductVersion = 1.0
	SpecProductVersion       = 0.9
	SpecVendorProduct        = 0.5
	SpecProduct              = 0.4
	SpecKeyword              = 0.3
)

var numericCore = regexp.MustCompile(`^v?(\d+(?:\.\d+)*)`)

// Correlate returns the ranked findings for one host. Hosts without
// classification evidence or products yield no findings, never an error.
func Correlate(h model.Host, c model.Classification, snap *vulnindex.Snapshot, now time.Time) []model.Finding {
	if snap == nil || snap.Len() == 0 {
		return nil
	}
	best := map[string]model.Finding{}
	keep := func(f model.Finding) {
		if f.Confidence <= 0 {
			return
		}
		if cur, ok := best[f.CVEID]; ok && cur.Confidence >= f.Confidence {
			return
		}
		best[f.CVEID] = f
	}

	for _, ev := range evidence(c) {
		for _, rec := range snap.ForProduct(ev.prod.Product) {
			if spec, why, ok := matchStructured(ev.prod, rec); ok {
				mt := ev.kind
				if mt == model.MatchProduct && spec >= SpecProductVersion {
					mt = model.MatchVersioned
				}
				keep(newFinding(h, rec, clamp(ev.prod.Confidence*spec), mt, why, now))
			}
		}
	}

	hay := haystack(h, c)
	for _, rec := range snap.WithKeywords() {
		if _, done := best[rec.CVEID]; done {
			continue
		}
		for _, a := range rec.Affected {
			if a.Keyword != "" && strings.Contains(hay, a.Keyword) {
				why := fmt.Sprintf("keyword %q seen on host", a.Keyword)
				keep(newFinding(h, rec, clamp(c.Confidence*SpecKeyword), model.MatchKeyword, why, now))
				break
			}
		}
	}

	out := make([]model.Finding, 0, len(best))
	for _, f := range best {
		out = append(out, f)
	}
	Rank(out)
	return out
}

type evidenceItem struct {
	prod model.Product
	kind model.MatchType
}

// evidence lists what a host is known to run: fingerprinted products first,
// then the classification's OS as a vendor-level product.
func evidence(c model.Classification) []evidenceItem {
	var out []evidenceItem
	for _, p := range c.Products {
		p.Vendor = model.NormalizeName(p.Vendor)
		p.Product = model.NormalizeName(p.Product)
		if p.Product == "" {
			continue
		}
		out = append(out, evidenceItem{prod: p, kind: model.MatchProduct})
	}
	if c.OS != "" {
		out = append(out, evidenceItem{
			prod: model.Product{
				Vendor:     model.NormalizeName(c.Vendor),
				Product:    model.NormalizeName(c.OS),
				Confidence: c.Confidence,
			},
			kind: model.MatchVendor,
		})
	}
	return out
}

// matchStructured checks p against every pattern of rec naming its product
// and returns the highest specificity reached.
func matchStructured(p model.Product, rec model.VulnRecord) (float64, string, bool) {
	var (
		best float64
		why  string
	)
	for _, a := range rec.Affected {
		if !a.Structured() || a.Product != p.Product {
			continue
		}
		vendorKnown := p.Vendor != "" && a.Vendor != ""
		if vendorKnown && p.Vendor != a.Vendor {
			continue
		}
		var spec float64
		switch {
		case p.Version == "":
			spec = SpecProduct
			if vendorKnown {
				spec = SpecVendorProduct
			}
		case !a.HasVersionConstraint() || inRange(p.Version, a):
			spec = SpecProductVersion
			if vendorKnown {
				spec = SpecVendorProductVersion
			}
		default:
			continue
		}
		if spec > best {
			best = spec
			why = describe(p, a)
		}
	}
	return best, why, best > 0
}

func inRange(v string, a model.Affected) bool {
	if a.VersionExact != "" {
		if strings.EqualFold(v, a.VersionExact) {
			return true
		}
		cv, ce := parse(v), parse(a.VersionExact)
		return cv != nil && ce != nil && cv.Equal(ce)
	}
	cv := parse(v)
	if cv == nil {
		return false
	}
	if a.VersionStart != "" {
		s := parse(a.VersionStart)
		if s == nil {
			return false
		}
		if cmp := cv.Compare(s); cmp < 0 || (cmp == 0 && !a.StartIncluding) {
			return false
		}
	}
	if a.VersionEnd != "" {
		e := parse(a.VersionEnd)
		if e == nil {
			return false
		}
		if cmp := cv.Compare(e); cmp > 0 || (cmp == 0 && !a.EndIncluding) {
			return false
		}
	}
	return true
}

// parse keeps the numeric core of a version so vendor suffixes such as
// OpenSSH's "p2" do not turn a release into a pre-release.
func parse(s string) *version.Version {
	m := numericCore.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil
	}
	v, err := version.NewVersion(m[1])
	if err != nil {
		return nil
	}
	return v
}

func describe(p model.Product, a model.Affected) string {
	var b strings.Builder
	b.WriteString(p.Product)
	if p.Version != "" {
		b.WriteString(" " + p.Version)
	}
	if p.Port != 0 {
		fmt.Fprintf(&b, " on port %d", p.Port)
	}
	switch {
	case a.VersionExact != "":
		b.WriteString(" matches version " + a.VersionExact)
	case a.VersionStart != "" || a.VersionEnd != "":
		b.WriteString(" within affected range ")
		if a.VersionStart != "" {
			if a.StartIncluding {
				b.WriteString(">=" + a.VersionStart)
			} else {
				b.WriteString(">" + a.VersionStart)
			}
			if a.VersionEnd != "" {
				b.WriteString(", ")
			}
		}
		if a.VersionEnd != "" {
			if a.EndIncluding {
				b.WriteString("<=" + a.VersionEnd)
			} else {
				b.WriteString("<" + a.VersionEnd)
			}
		}
	default:
		b.WriteString(" (all versions affected)")
	}
	if p.Version == "" {
		b.WriteString(", version unknown")
	}
	return b.String()
}

func haystack(h model.Host, c model.Classification) string {
	parts := []string{c.Vendor, c.OS}
	for _, p := range h.Ports {
		parts = append(parts, p.Banner)
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

func newFinding(h model.Host, rec model.VulnRecord, conf float64, mt model.MatchType, why string, now time.Time) model.Finding {
	return model.Finding{
		OrgID:          h.OrgID,
		HostIP:         h.IP,
		CVEID:          rec.CVEID,
		CVSS:           rec.CVSS,
		Severity:       model.SeverityFromScore(rec.CVSS),
		KnownExploited: rec.KnownExploited,
		Published:      rec.Published,
		Confidence:     conf,
		MatchType:      mt,
		Evidence:       why,
		DetectedAt:     now,
		FirstDetected:  now,
		LastConfirmed:  now,
		Status:         model.FindingOpen,
	}
}

// Rank orders findings for remediation and assigns ranks 1..n per host:
// severity tier, then known-exploited, then confidence, then newer
// publication, then CVE ID.
func Rank(fs []model.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.HostIP != b.HostIP {
			return a.HostIP.Less(b.HostIP)
		}
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.KnownExploited != b.KnownExploited {
			return a.KnownExploited
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.Published.Equal(b.Published) {
			return a.Published.After(b.Published)
		}
		return a.CVEID < b.CVEID
	})
	n := 0
	for i := range fs {
		if i == 0 || fs[i].HostIP != fs[i-1].HostIP {
			n = 0
		}
		n++
		fs[i].Rank = n
	}
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}
