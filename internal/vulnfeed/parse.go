package vulnfeed

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/yourorg/netscan-engine/internal/model"
)

var publishedLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02",
}

// ParseFeed decodes either an NVD 2.0 CVE document or a native
// {"records": [...]} document. skipped counts CVEs without a CVSS v3 score.
func ParseFeed(b []byte) (records []model.VulnRecord, skipped int, err error) {
	if !gjson.ValidBytes(b) {
		return nil, 0, errors.New("feed is not valid JSON")
	}
	doc := gjson.ParseBytes(b)
	switch {
	case doc.Get("records").IsArray():
		var native struct {
			Records []model.VulnRecord `json:"records"`
		}
		if err := json.Unmarshal(b, &native); err != nil {
			return nil, 0, errors.Wrap(err, "decode records")
		}
		return native.Records, 0, nil
	case doc.Get("vulnerabilities").IsArray():
		return parseNVD(doc)
	}
	return nil, 0, errors.New("unrecognised feed document")
}

func parseNVD(doc gjson.Result) ([]model.VulnRecord, int, error) {
	var (
		out     []model.VulnRecord
		skipped int
		bad     error
	)
	doc.Get("vulnerabilities").ForEach(func(_, v gjson.Result) bool {
		cve := v.Get("cve")
		id := cve.Get("id").String()
		if id == "" {
			bad = errors.New("CVE entry without id")
			return false
		}
		score, ok := baseScore(cve.Get("metrics"))
		if !ok {
			skipped++
			return true
		}
		r := model.VulnRecord{
			CVEID:          id,
			CVSS:           score,
			Severity:       model.SeverityFromScore(score),
			Description:    description(cve.Get("descriptions")),
			Published:      parseTime(cve.Get("published").String()),
			KnownExploited: cve.Get("cisaExploitAdd").Exists(),
		}
		cve.Get("configurations.#.nodes.#.cpeMatch").ForEach(func(_, perConfig gjson.Result) bool {
			perConfig.ForEach(func(_, perNode gjson.Result) bool {
				perNode.ForEach(func(_, m gjson.Result) bool {
					if a, ok := affected(m); ok {
						r.Affected = append(r.Affected, a)
					}
					return true
				})
				return true
			})
			return true
		})
		out = append(out, r)
		return true
	})
	if bad != nil {
		return nil, 0, bad
	}
	return out, skipped, nil
}

// baseScore prefers CVSS v3.1, then v3.0, and the NVD primary source over
// secondary ones.
func baseScore(metrics gjson.Result) (float64, bool) {
	for _, key := range []string{"cvssMetricV31", "cvssMetricV30"} {
		list := metrics.Get(key)
		if !list.IsArray() || len(list.Array()) == 0 {
			continue
		}
		pick := list.Array()[0]
		for _, m := range list.Array() {
			if m.Get("type").String() == "Primary" {
				pick = m
				break
			}
		}
		s := pick.Get("cvssData.baseScore")
		if s.Exists() {
			return s.Float(), true
		}
	}
	return 0, false
}

func description(list gjson.Result) string {
	var first string
	for _, d := range list.Array() {
		if first == "" {
			first = d.Get("value").String()
		}
		if d.Get("lang").String() == "en" {
			return d.Get("value").String()
		}
	}
	return first
}

func affected(m gjson.Result) (model.Affected, bool) {
	if !m.Get("vulnerable").Bool() {
		return model.Affected{}, false
	}
	parts := splitCPE(m.Get("criteria").String())
	if len(parts) < 6 || parts[0] != "cpe" {
		return model.Affected{}, false
	}
	a := model.Affected{
		Vendor:         model.NormalizeName(cpeValue(parts[3])),
		Product:        model.NormalizeName(cpeValue(parts[4])),
		VersionStart:   m.Get("versionStartIncluding").String(),
		StartIncluding: m.Get("versionStartIncluding").Exists(),
		VersionEnd:     m.Get("versionEndIncluding").String(),
		EndIncluding:   m.Get("versionEndIncluding").Exists(),
	}
	if a.Product == "" {
		return model.Affected{}, false
	}
	if a.VersionStart == "" {
		a.VersionStart = m.Get("versionStartExcluding").String()
	}
	if a.VersionEnd == "" {
		a.VersionEnd = m.Get("versionEndExcluding").String()
	}
	if !a.HasVersionConstraint() {
		if v := cpeValue(parts[5]); v != "" {
			a.VersionExact = v
			if len(parts) > 6 {
				if upd := cpeValue(parts[6]); upd != "" {
					a.VersionExact += upd
				}
			}
		}
	}
	return a, true
}

// ParseKEV returns the CVE IDs listed in a CISA KEV catalog document.
func ParseKEV(b []byte) (map[string]bool, error) {
	if !gjson.ValidBytes(b) {
		return nil, errors.New("KEV catalog is not valid JSON")
	}
	list := gjson.GetBytes(b, "vulnerabilities.#.cveID")
	if !list.IsArray() {
		return nil, errors.New("KEV catalog without vulnerabilities")
	}
	out := map[string]bool{}
	for _, id := range list.Array() {
		if s := strings.ToUpper(strings.TrimSpace(id.String())); s != "" {
			out[s] = true
		}
	}
	return out, nil
}

// splitCPE splits a CPE 2.3 formatted string, honouring backslash escapes.
func splitCPE(s string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == ':':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(out, cur.String())
}

func cpeValue(s string) string {
	if s == "*" || s == "-" {
		return ""
	}
	return s
}

func parseTime(s string) time.Time {
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
