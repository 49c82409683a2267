package model

import "time"

type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

type ScanType string

const (
	ScanNetwork     ScanType = "network"
	ScanNetworkVuln ScanType = "network+vuln"
)

func (t ScanType) Valid() bool {
	return t == ScanNetwork || t == ScanNetworkVuln
}

// FailureReason is the machine-readable half of a failed scan's explanation.
type FailureReason string

const (
	ReasonInvalidRange FailureReason = "invalid_range"
	ReasonLock         FailureReason = "lock"
	ReasonProbeError   FailureReason = "probe_error"
	ReasonPersistence  FailureReason = "persistence"
	ReasonCancelled    FailureReason = "cancelled"
	ReasonTimeout      FailureReason = "timeout"
	ReasonInterrupted  FailureReason = "interrupted"
)

type ScanRecord struct {
	ID            string        `json:"id"`
	OrgID         string        `json:"org_id"`
	Ranges        []TargetRange `json:"ranges"`
	Type          ScanType      `json:"scan_type"`
	Status        ScanStatus    `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailureMsg    string        `json:"failure_message,omitempty"`
	ProgressPct   int           `json:"progress_pct"`
	ProgressMsg   string        `json:"progress_msg,omitempty"`
	Summary       *Summary      `json:"summary,omitempty"`
}

type Summary struct {
	Targets          int `json:"targets"`
	HostsAlive       int `json:"hosts_alive"`
	HostsUnreachable int `json:"hosts_unreachable"`
	Classified       int `json:"classified"`
	Total            int `json:"total_findings"`
	Critical         int `json:"critical"`
	High             int `json:"high"`
	Medium           int `json:"medium"`
	Low              int `json:"low"`
	KnownExploited   int `json:"known_exploited"`
	NewFindings      int `json:"new_findings"`
	Resolved         int `json:"resolved_findings"`
	StaleHosts       int `json:"stale_hosts"`
}

type ProgressEvent struct {
	Stage  string    `json:"stage"`
	Detail string    `json:"detail"`
	Pct    int       `json:"pct"`
	TS     time.Time `json:"ts"`
}
