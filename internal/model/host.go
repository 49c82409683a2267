package model

import (
	"net/netip"
	"time"
)

// TargetRange is one CIDR block with the parameters it is scanned with.
type TargetRange struct {
	CIDR   string     `json:"cidr"`
	Params ScanParams `json:"params"`
}

type ScanParams struct {
	Timeout     time.Duration `json:"timeout"`
	Concurrency int           `json:"concurrency"`
	Exclude     []string      `json:"exclude,omitempty"`
}

type Liveness string

const (
	LivenessAlive       Liveness = "alive"
	LivenessUnreachable Liveness = "unreachable"
	LivenessStale       Liveness = "stale"
)

type Port struct {
	Number   int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service,omitempty"`
	Banner   string `json:"banner,omitempty"`
}

// Host is a discovered host. Rows are never deleted, only marked stale.
type Host struct {
	OrgID      string     `json:"org_id"`
	IP         netip.Addr `json:"ip"`
	MAC        string     `json:"mac,omitempty"`
	FirstSeen  time.Time  `json:"first_seen"`
	LastSeen   time.Time  `json:"last_seen"`
	Ports      []Port     `json:"ports"`
	Liveness   Liveness   `json:"liveness"`
	LastScanID string     `json:"last_scan_id,omitempty"`
}

type DeviceType string

const (
	DeviceRouter   DeviceType = "Router"
	DeviceServer   DeviceType = "Server"
	DeviceEndpoint DeviceType = "Endpoint"
	DeviceIoT      DeviceType = "IoT"
	DeviceMobile   DeviceType = "Mobile"
	DevicePrinter  DeviceType = "Printer"
	DeviceUnknown  DeviceType = "Unknown"
)

func (d DeviceType) Valid() bool {
	switch d {
	case DeviceRouter, DeviceServer, DeviceEndpoint, DeviceIoT, DeviceMobile, DevicePrinter, DeviceUnknown:
		return true
	}
	return false
}

// Product is a piece of software or firmware fingerprinted on a host.
type Product struct {
	Vendor     string  `json:"vendor,omitempty"`
	Product    string  `json:"product"`
	Version    string  `json:"version,omitempty"`
	Port       int     `json:"port,omitempty"`
	Confidence float64 `json:"confidence"`
}

type Classification struct {
	HostIP     netip.Addr `json:"host_ip"`
	Type       DeviceType `json:"device_type"`
	Vendor     string     `json:"vendor,omitempty"`
	OS         string     `json:"os,omitempty"`
	Confidence float64    `json:"confidence"`
	Products   []Product  `json:"products,omitempty"`
	Rule       string     `json:"rule,omitempty"`
	ScanID     string     `json:"scan_id,omitempty"`
	ComputedAt time.Time  `json:"computed_at"`
}

// UnknownClassification is what a host gets when no signature matches.
func UnknownClassification(ip netip.Addr) Classification {
	return Classification{HostIP: ip, Type: DeviceUnknown, Confidence: 0}
}
