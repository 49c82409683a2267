package model

import (
	"net/netip"
	"time"
)

type FindingStatus string

const (
	FindingOpen     FindingStatus = "open"
	FindingResolved FindingStatus = "resolved"
)

type MatchType string

const (
	MatchVersioned MatchType = "versioned"
	MatchProduct   MatchType = "product"
	MatchVendor    MatchType = "vendor"
	MatchKeyword   MatchType = "keyword"
)

type Finding struct {
	ID             string        `json:"id"`
	OrgID          string        `json:"org_id"`
	HostIP         netip.Addr    `json:"host_ip"`
	CVEID          string        `json:"cve_id"`
	CVSS           float64       `json:"cvss"`
	Severity       Severity      `json:"severity"`
	KnownExploited bool          `json:"known_exploited"`
	Published      time.Time     `json:"published"`
	Confidence     float64       `json:"confidence"`
	Rank           int           `json:"rank"`
	MatchType      MatchType     `json:"match_type"`
	Evidence       string        `json:"evidence,omitempty"`
	DetectedAt     time.Time     `json:"detected_at"`
	FirstDetected  time.Time     `json:"first_detected_at"`
	LastConfirmed  time.Time     `json:"last_confirmed_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	Status         FindingStatus `json:"status"`
	FirstScanID    string        `json:"first_scan_id,omitempty"`
	LastScanID     string        `json:"last_scan_id,omitempty"`
}

// FindingKey identifies a finding across scans.
type FindingKey struct {
	HostIP netip.Addr `json:"host_ip"`
	CVEID  string     `json:"cve_id"`
}

func (f Finding) Key() FindingKey {
	return FindingKey{HostIP: f.HostIP, CVEID: f.CVEID}
}

// FindingFilter drives finding queries. Zero values mean "any".
type FindingFilter struct {
	OrgID      string
	HostIP     string
	Severities []Severity
	Keyword    string
	RecentDays int
	Status     FindingStatus
	From       time.Time
	To         time.Time
	Limit      int
}
