package model

import (
	"strings"
	"time"
)

// Affected is one product pattern a CVE applies to. Version bounds follow the
// NVD cpeMatch semantics; an empty bound is open.
type Affected struct {
	Vendor         string `json:"vendor,omitempty"`
	Product        string `json:"product,omitempty"`
	VersionExact   string `json:"version_exact,omitempty"`
	VersionStart   string `json:"version_start,omitempty"`
	StartIncluding bool   `json:"start_including,omitempty"`
	VersionEnd     string `json:"version_end,omitempty"`
	EndIncluding   bool   `json:"end_including,omitempty"`
	// Keyword is a case-insensitive substring pattern used when no
	// structured vendor/product is available.
	Keyword string `json:"keyword,omitempty"`
}

func (a Affected) Structured() bool {
	return a.Product != ""
}

func (a Affected) HasVersionConstraint() bool {
	return a.VersionExact != "" || a.VersionStart != "" || a.VersionEnd != ""
}

type VulnRecord struct {
	CVEID          string     `json:"cve_id"`
	CVSS           float64    `json:"cvss"`
	Severity       Severity   `json:"severity"`
	Description    string     `json:"description,omitempty"`
	Affected       []Affected `json:"affected"`
	Published      time.Time  `json:"published"`
	KnownExploited bool       `json:"known_exploited"`
}

// NormalizeName lowercases a vendor or product name and folds the separators
// NVD uses interchangeably.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
