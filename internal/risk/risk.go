// Package risk rolls findings up into an organization-level risk view.
package risk

import (
	"math"
	"net/netip"
	"sort"

	"github.com/yourorg/netscan-engine/internal/model"
)

// DefaultTopN is used when callers pass topN <= 0.
const DefaultTopN = 10

// Aggregate summarizes the active findings in current and diffs them against
// previous. Resolved findings in either set are ignored.
func Aggregate(current, previous []model.Finding, topN int) model.RiskSummary {
	if topN <= 0 {
		topN = DefaultTopN
	}
	out := model.RiskSummary{Histogram: make(map[model.Severity]int, len(model.Severities))}
	for _, s := range model.Severities {
		out.Histogram[s] = 0
	}

	type acc struct {
		ip netip.Addr
		model.HostRisk
	}
	hosts := map[netip.Addr]*acc{}
	cur := map[model.FindingKey]bool{}
	for _, f := range active(current) {
		k := f.Key()
		if cur[k] {
			continue
		}
		cur[k] = true

		sev := model.SeverityFromScore(f.CVSS)
		out.Histogram[sev]++
		out.Total++
		h, ok := hosts[f.HostIP]
		if !ok {
			h = &acc{ip: f.HostIP, HostRisk: model.HostRisk{HostIP: f.HostIP.String(), MaxSeverity: sev}}
			hosts[f.HostIP] = h
		}
		h.Score += f.CVSS
		h.Findings++
		if sev > h.MaxSeverity {
			h.MaxSeverity = sev
		}
		if f.KnownExploited {
			out.KnownExploited++
			h.KEV++
		}
	}

	ranked := make([]*acc, 0, len(hosts))
	for _, h := range hosts {
		h.Score = math.Round(h.Score*10) / 10
		ranked = append(ranked, h)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ip.Less(ranked[j].ip)
	})
	for i, h := range ranked {
		if i == topN {
			break
		}
		out.TopHosts = append(out.TopHosts, h.HostRisk)
	}

	prev := map[model.FindingKey]bool{}
	for _, f := range active(previous) {
		prev[f.Key()] = true
	}
	for k := range cur {
		if !prev[k] {
			out.Delta.New = append(out.Delta.New, k)
		}
	}
	for k := range prev {
		if !cur[k] {
			out.Delta.Resolved = append(out.Delta.Resolved, k)
		}
	}
	sortKeys(out.Delta.New)
	sortKeys(out.Delta.Resolved)
	return out
}

func active(fs []model.Finding) []model.Finding {
	out := make([]model.Finding, 0, len(fs))
	for _, f := range fs {
		if f.Status == "" || f.Status == model.FindingOpen {
			out = append(out, f)
		}
	}
	return out
}

func sortKeys(ks []model.FindingKey) {
	sort.Slice(ks, func(i, j int) bool {
		if ks[i].HostIP != ks[j].HostIP {
			return ks[i].HostIP.Less(ks[j].HostIP)
		}
		return ks[i].CVEID < ks[j].CVEID
	})
}
