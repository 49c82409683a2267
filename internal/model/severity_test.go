package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Severity
	}{
		{0.0, SeverityLow},
		{3.9, SeverityLow},
		{4.0, SeverityMedium},
		{6.9, SeverityMedium},
		{7.0, SeverityHigh},
		{8.9, SeverityHigh},
		{9.0, SeverityCritical},
		{10.0, SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFromScore(tt.score), "score %.1f", tt.score)
	}
}

func TestSeverityFromScoreMonotonic(t *testing.T) {
	prev := SeverityFromScore(0)
	for i := 1; i <= 1000; i++ {
		score := float64(i) / 100
		cur := SeverityFromScore(score)
		require.GreaterOrEqual(t, cur, prev, "score %.2f lowered the tier", score)
		prev = cur
	}
}

func TestSeverityText(t *testing.T) {
	hist := map[Severity]int{SeverityCritical: 2, SeverityLow: 1}
	b, err := json.Marshal(hist)
	require.NoError(t, err)
	assert.JSONEq(t, `{"CRITICAL":2,"LOW":1}`, string(b))

	var back map[Severity]int
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, hist, back)

	_, err = ParseSeverity("severe")
	assert.Error(t, err)
}
