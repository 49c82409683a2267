package enumerate

import (
	"errors"
	"net/netip"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, targets *Targets) []string {
	t.Helper()
	var out []string
	for a := range targets.All() {
		out = append(out, a.String())
	}
	return out
}

func TestParseInvalid(t *testing.T) {
	tests := map[string]struct {
		cidrs   []string
		exclude []string
	}{
		"garbage":        {cidrs: []string{"10.0.0.0/33"}},
		"not an address": {cidrs: []string{"host.example"}},
		"empty":          {cidrs: nil},
		"blank entry":    {cidrs: []string{" "}},
		"bad exclusion":  {cidrs: []string{"10.0.0.0/24"}, exclude: []string{"10.0.0.300"}},
		"wide ipv6":      {cidrs: []string{"2001:db8::/64"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(tt.cidrs, tt.exclude)
			var ire *InvalidRangeError
			require.Error(t, err)
			assert.True(t, errors.As(err, &ire))
		})
	}
}

func TestCountMatchesPrefixLength(t *testing.T) {
	tests := []struct {
		cidr string
		want int
	}{
		{"10.0.0.0/30", 2},
		{"10.0.0.0/31", 2},
		{"10.0.0.7/32", 1},
		{"192.168.1.0/24", 254},
		{"172.16.0.0/20", 4094},
		{"2001:db8::/126", 4},
	}
	for _, tt := range tests {
		targets, err := Parse([]string{tt.cidr}, nil)
		require.NoError(t, err)
		got := collect(t, targets)
		assert.Len(t, got, tt.want, tt.cidr)
		assert.Equal(t, tt.want, targets.Count(), tt.cidr)
	}
}

func TestThirtyExcludesNetworkAndBroadcast(t *testing.T) {
	targets, err := Parse([]string{"10.0.0.0/30"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, collect(t, targets))
}

func TestExclusionsAndDuplicates(t *testing.T) {
	targets, err := Parse(
		[]string{"10.0.0.0/29", "10.0.0.0/30", "10.0.0.4/31", "10.0.0.7"},
		[]string{"10.0.0.2", "10.0.0.4/31"},
	)
	require.NoError(t, err)

	got := collect(t, targets)
	// /29 yields .1-.6; .2 and .4-.5 are excluded; the /32 adds the /29 broadcast.
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3", "10.0.0.6", "10.0.0.7"}, got)
	assert.Equal(t, len(got), targets.Count())

	seen := map[string]bool{}
	for _, a := range got {
		require.False(t, seen[a], "duplicate %s", a)
		seen[a] = true
	}
}

func TestWiderRangeAfterNarrow(t *testing.T) {
	targets, err := Parse([]string{"10.1.0.128/25", "10.1.0.0/24"}, nil)
	require.NoError(t, err)
	got := collect(t, targets)
	assert.Len(t, got, 254)
	assert.Equal(t, "10.1.0.129", got[0])
	assert.Equal(t, 254, targets.Count())
}

func TestAllIsLazy(t *testing.T) {
	targets, err := Parse([]string{"10.0.0.0/8"}, nil)
	require.NoError(t, err)
	var first []netip.Addr
	for a := range targets.All() {
		first = append(first, a)
		if len(first) == 3 {
			break
		}
	}
	assert.Equal(t, "10.0.0.3", first[2].String())
	assert.Equal(t, 1<<24-2, targets.Count())
}

func TestKeyIsOrderIndependent(t *testing.T) {
	a, err := Parse([]string{"10.0.1.0/24", "10.0.0.9/24"}, nil)
	require.NoError(t, err)
	b, err := Parse([]string{"10.0.0.0/24", "10.0.1.0/24", "10.0.1.0/24"}, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "10.0.0.0/24,10.0.1.0/24", a.Key())
	assert.True(t, slices.Equal(a.Prefixes(), b.Prefixes()))
}
