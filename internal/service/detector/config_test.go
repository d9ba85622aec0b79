package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunConfig(t *testing.T) {
	doc := `{
		"start_date": "2026-01-01",
		"end_date": "2026-03-31",
		"granularity": "hour",
		"instruments": {"NSE": ["INFY", "TCS"]},
		"vertical_gaps": [1, 2.5],
		"horizontal_gaps": [1],
		"continuous_days": [5]
	}`
	cfg, err := ParseRunConfig(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5}, cfg.VerticalGaps)
	assert.Equal(t, []string{"INFY", "TCS"}, cfg.Instruments["NSE"])
	assert.True(t, cfg.End().After(cfg.Start()))
}

func TestParseRunConfigDefaults(t *testing.T) {
	doc := `{
		"start_date": "2026-01-01",
		"end_date": "2026-03-31",
		"instruments": {"NSE": ["INFY"]}
	}`
	defaults := map[string]string{
		"granularity":     "hour",
		"vertical_gaps":   "1, 2, 3",
		"horizontal_gaps": "1,2",
		"continuous_days": "5",
	}
	cfg, err := ParseRunConfig(doc, defaults)
	require.NoError(t, err)
	assert.Equal(t, "hour", cfg.Granularity)
	assert.Equal(t, []float64{1, 2, 3}, cfg.VerticalGaps)
	assert.Equal(t, []int{1, 2}, cfg.HorizontalGaps)
	assert.Equal(t, []int{5}, cfg.ContinuousDays)
}

func TestParseRunConfigRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{{`},
		{"missing dates", `{"instruments": {"NSE": ["INFY"]}, "granularity": "hour",
			"vertical_gaps": [1], "horizontal_gaps": [1], "continuous_days": [5]}`},
		{"end before start", `{"start_date": "2026-03-31", "end_date": "2026-01-01",
			"granularity": "hour", "instruments": {"NSE": ["INFY"]},
			"vertical_gaps": [1], "horizontal_gaps": [1], "continuous_days": [5]}`},
		{"no instruments", `{"start_date": "2026-01-01", "end_date": "2026-03-31",
			"granularity": "hour", "instruments": {},
			"vertical_gaps": [1], "horizontal_gaps": [1], "continuous_days": [5]}`},
		{"empty grid", `{"start_date": "2026-01-01", "end_date": "2026-03-31",
			"granularity": "hour", "instruments": {"NSE": ["INFY"]},
			"vertical_gaps": [], "horizontal_gaps": [1], "continuous_days": [5]}`},
		{"negative gap", `{"start_date": "2026-01-01", "end_date": "2026-03-31",
			"granularity": "hour", "instruments": {"NSE": ["INFY"]},
			"vertical_gaps": [-1], "horizontal_gaps": [1], "continuous_days": [5]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRunConfig(tt.doc, nil)
			assert.Error(t, err)
		})
	}
}
