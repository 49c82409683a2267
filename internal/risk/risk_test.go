package risk

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/netscan-engine/internal/model"
)

func finding(ip, cve string, cvss float64, kev bool) model.Finding {
	return model.Finding{
		HostIP:         netip.MustParseAddr(ip),
		CVEID:          cve,
		CVSS:           cvss,
		Severity:       model.SeverityFromScore(cvss),
		KnownExploited: kev,
		Status:         model.FindingOpen,
	}
}

func TestAggregateHistogramAndTopHosts(t *testing.T) {
	current := []model.Finding{
		finding("10.0.0.2", "CVE-1", 9.8, true),
		finding("10.0.0.2", "CVE-2", 5.0, false),
		finding("10.0.0.1", "CVE-3", 7.5, false),
		finding("10.0.0.1", "CVE-4", 7.3, false),
		finding("10.0.0.3", "CVE-5", 2.0, false),
		finding("10.0.0.4", "CVE-6", 14.8/2, false),
	}
	resolved := finding("10.0.0.3", "CVE-9", 10, true)
	resolved.Status = model.FindingResolved
	current = append(current, resolved)

	got := Aggregate(current, nil, 2)
	assert.Equal(t, 6, got.Total)
	assert.Equal(t, 1, got.KnownExploited)
	assert.Equal(t, map[model.Severity]int{
		model.SeverityCritical: 1,
		model.SeverityHigh:     3,
		model.SeverityMedium:   1,
		model.SeverityLow:      1,
	}, got.Histogram)

	require.Len(t, got.TopHosts, 2)
	// 10.0.0.1 and 10.0.0.2 both sum to 14.8; ties break on address
	assert.Equal(t, "10.0.0.1", got.TopHosts[0].HostIP)
	assert.Equal(t, "10.0.0.2", got.TopHosts[1].HostIP)
	assert.Equal(t, 14.8, got.TopHosts[0].Score)
	assert.Equal(t, model.SeverityCritical, got.TopHosts[1].MaxSeverity)
	assert.Equal(t, 1, got.TopHosts[1].KEV)
	assert.Equal(t, 2, got.TopHosts[1].Findings)
}

func TestAggregateDelta(t *testing.T) {
	previous := []model.Finding{
		finding("10.0.0.1", "CVE-1", 5, false),
		finding("10.0.0.1", "CVE-2", 5, false),
	}
	current := []model.Finding{
		finding("10.0.0.1", "CVE-2", 5, false),
		finding("10.0.0.2", "CVE-3", 5, false),
		finding("10.0.0.1", "CVE-4", 5, false),
	}
	got := Aggregate(current, previous, 0)
	assert.Equal(t, []model.FindingKey{
		{HostIP: netip.MustParseAddr("10.0.0.1"), CVEID: "CVE-4"},
		{HostIP: netip.MustParseAddr("10.0.0.2"), CVEID: "CVE-3"},
	}, got.Delta.New)
	assert.Equal(t, []model.FindingKey{{HostIP: netip.MustParseAddr("10.0.0.1"), CVEID: "CVE-1"}}, got.Delta.Resolved)
}

func TestAggregateEmpty(t *testing.T) {
	got := Aggregate(nil, nil, 5)
	assert.Zero(t, got.Total)
	assert.Len(t, got.Histogram, 4)
	assert.Empty(t, got.TopHosts)
	assert.Empty(t, got.Delta.New)
}
