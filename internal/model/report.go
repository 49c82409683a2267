package model

// ScanReport is everything one completed scan produced. The store commits it
// in a single transaction and the archive keeps a JSON copy.
type ScanReport struct {
	Scan            ScanRecord       `json:"scan"`
	Hosts           []Host           `json:"hosts"`
	Unreachable     []string         `json:"unreachable,omitempty"`
	Classifications []Classification `json:"classifications"`
	Findings        []Finding        `json:"findings"`
	Risk            RiskSummary      `json:"risk"`
	// Correlated is false for network-only scans; nothing is resolved then.
	Correlated   bool   `json:"correlated"`
	FeedSnapshot string `json:"feed_snapshot,omitempty"`
}

type HostRisk struct {
	HostIP      string   `json:"host_ip"`
	Score       float64  `json:"score"`
	Findings    int      `json:"findings"`
	MaxSeverity Severity `json:"max_severity"`
	KEV         int      `json:"known_exploited"`
}

type RiskDelta struct {
	New      []FindingKey `json:"new"`
	Resolved []FindingKey `json:"resolved"`
}

type RiskSummary struct {
	Histogram      map[Severity]int `json:"histogram"`
	Total          int              `json:"total"`
	KnownExploited int              `json:"known_exploited"`
	TopHosts       []HostRisk       `json:"top_hosts"`
	Delta          RiskDelta        `json:"delta"`
}
