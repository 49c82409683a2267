// Package report renders scans, inventory and findings as console tables.
package report

import (
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/yourorg/netscan-engine/internal/model"
)

var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	Green  = color.New(color.FgGreen).SprintFunc()
	Pink   = color.New(color.FgMagenta).SprintFunc()
)

const maxEvidence = 80

// Scan prints the state line and, for completed scans, the summary counts.
func Scan(w io.Writer, rec *model.ScanRecord) {
	switch rec.Status {
	case model.ScanCompleted:
		fmt.Fprintf(w, "\nScan %s %s\n", rec.ID, Green("completed"))
	case model.ScanFailed:
		fmt.Fprintf(w, "\nScan %s %s (%s): %s\n", rec.ID, Red("failed"), rec.FailureReason, rec.FailureMsg)
		return
	default:
		fmt.Fprintf(w, "\nScan %s %s %d%% %s\n", rec.ID, Yellow(string(rec.Status)), rec.ProgressPct, rec.ProgressMsg)
		return
	}
	s := rec.Summary
	if s == nil {
		return
	}
	fmt.Fprintf(w, "Targets: %d  Alive: %d  Unreachable: %d  Classified: %d  Stale: %d\n",
		s.Targets, s.HostsAlive, s.HostsUnreachable, s.Classified, s.StaleHosts)
	fmt.Fprintf(w, "Detected %s findings | Critical: %s High: %s Medium: %s Low: %s | KEV: %s | new %d, resolved %d\n\n",
		Yellow(s.Total), Red(s.Critical), Pink(s.High), Yellow(s.Medium), Green(s.Low), Red(s.KnownExploited),
		s.NewFindings, s.Resolved)
}

// Hosts prints one row per host with its latest classification, if any.
func Hosts(w io.Writer, hosts []model.Host, cls []model.Classification) {
	byIP := make(map[netip.Addr]model.Classification, len(cls))
	for _, c := range cls {
		if cur, ok := byIP[c.HostIP]; !ok || c.ComputedAt.After(cur.ComputedAt) {
			byIP[c.HostIP] = c
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"IP", "MAC", "State", "Type", "Vendor / OS", "Confidence", "Open Ports"})
	table.SetAutoWrapText(false)
	for _, h := range hosts {
		c, ok := byIP[h.IP]
		if !ok {
			c = model.UnknownClassification(h.IP)
		}
		ports := make([]string, len(h.Ports))
		for i, p := range h.Ports {
			ports[i] = strconv.Itoa(p.Number) + "/" + p.Service
		}
		table.Append([]string{
			h.IP.String(), h.MAC, liveness(h.Liveness), string(c.Type),
			joinNonEmpty(" / ", c.Vendor, c.OS), fmt.Sprintf("%.2f", c.Confidence), strings.Join(ports, " "),
		})
	}
	table.Render()
}

// Findings prints findings in the order given.
func Findings(w io.Writer, fs []model.Finding) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Host", "Rank", "CVE", "Score", "Level", "KEV", "Match", "Confidence", "Evidence"})
	table.SetRowLine(true)
	table.SetAutoMergeCellsByColumnIndex([]int{0})
	for _, f := range fs {
		kev := ""
		if f.KnownExploited {
			kev = Red("yes")
		}
		table.Append([]string{
			f.HostIP.String(), strconv.Itoa(f.Rank), f.CVEID, fmt.Sprintf("%.1f", f.CVSS),
			judgeSeverity(f.Severity), kev, string(f.MatchType), fmt.Sprintf("%.2f", f.Confidence),
			truncate(f.Evidence, maxEvidence),
		})
	}
	table.Render()
}

// Risk prints the organization rollup.
func Risk(w io.Writer, r model.RiskSummary) {
	fmt.Fprintf(w, "\nOpen findings %s | Critical: %s High: %s Medium: %s Low: %s | KEV: %s\n",
		Yellow(r.Total),
		Red(r.Histogram[model.SeverityCritical]),
		Pink(r.Histogram[model.SeverityHigh]),
		Yellow(r.Histogram[model.SeverityMedium]),
		Green(r.Histogram[model.SeverityLow]),
		Red(r.KnownExploited))
	fmt.Fprintf(w, "Since previous: %d new, %d resolved\n\n", len(r.Delta.New), len(r.Delta.Resolved))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Host", "Score", "Findings", "Max Level", "KEV"})
	for i, h := range r.TopHosts {
		table.Append([]string{
			strconv.Itoa(i + 1), h.HostIP, fmt.Sprintf("%.1f", h.Score), strconv.Itoa(h.Findings),
			judgeSeverity(h.MaxSeverity), strconv.Itoa(h.KEV),
		})
	}
	table.Render()
}

func judgeSeverity(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return Red("critical")
	case model.SeverityHigh:
		return Pink("high")
	case model.SeverityMedium:
		return Yellow("medium")
	case model.SeverityLow:
		return Green("low")
	}
	return "unknown"
}

func liveness(l model.Liveness) string {
	switch l {
	case model.LivenessAlive:
		return Green(string(l))
	case model.LivenessStale:
		return Yellow(string(l))
	}
	return string(l)
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + " ..."
}
