package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/kv"
)

// resultsManager hydrates an experiment with pre-filled outcomes.
func resultsManager(t *testing.T, results map[string]*VariantResult) *Manager {
	t.Helper()

	exp := testExperiment()
	exp.Status = StatusActive
	exp.Results = results
	for _, r := range results {
		exp.Participants += r.Participants
	}

	m := NewManager(kv.NewMemory(), bus.New(), zap.NewNop())
	require.NoError(t, m.Hydrate(exp))
	return m
}

func TestCalculateResultsWinner(t *testing.T) {
	m := resultsManager(t, map[string]*VariantResult{
		"control": {Participants: 150, Conversions: 45}, // 30.00%
		"bottom":  {Participants: 120, Conversions: 30}, // 25.00%
	})

	summary, err := m.CalculateResults("ad-placement")
	require.NoError(t, err)

	require.Len(t, summary.Variants, 2)
	assert.Equal(t, "control", summary.Variants[0].VariantID, "sorted by conversion rate, highest first")
	assert.Equal(t, 30.0, summary.Variants[0].ConversionRate)
	assert.Equal(t, 25.0, summary.Variants[1].ConversionRate)

	assert.Equal(t, WinnerFound, summary.Winner.Status)
	assert.Equal(t, "control", summary.Winner.VariantID)
	assert.Equal(t, 20.0, summary.Winner.Improvement, "5pp gap over a 25% runner-up is a 20% relative gain")

	require.NotNil(t, summary.Significance)
	assert.False(t, summary.Significance.Significant, "a 5pp gap at this sample size is not significant")
}

func TestCalculateResultsInsufficientData(t *testing.T) {
	// Large gap, but the leading variant is under 100 participants. The
	// sample-size check runs before the gap check, so no winner is reported.
	m := resultsManager(t, map[string]*VariantResult{
		"control": {Participants: 80, Conversions: 60},
		"bottom":  {Participants: 80, Conversions: 10},
	})

	summary, err := m.CalculateResults("ad-placement")
	require.NoError(t, err)
	assert.Equal(t, WinnerInsufficientData, summary.Winner.Status)
	assert.Empty(t, summary.Winner.VariantID)
}

func TestCalculateResultsNoClearWinner(t *testing.T) {
	// 10.00% vs 9.50%: the gap is under one percentage point.
	m := resultsManager(t, map[string]*VariantResult{
		"control": {Participants: 300, Conversions: 30},
		"bottom":  {Participants: 200, Conversions: 19},
	})

	summary, err := m.CalculateResults("ad-placement")
	require.NoError(t, err)
	assert.Equal(t, WinnerNoClear, summary.Winner.Status)
}

func TestCalculateResultsUnknownExperiment(t *testing.T) {
	m := NewManager(kv.NewMemory(), bus.New(), zap.NewNop())
	_, err := m.CalculateResults("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCalculateResultsMetricSummaries(t *testing.T) {
	m := resultsManager(t, map[string]*VariantResult{
		"control": {
			Participants: 150,
			Conversions:  45,
			Metrics: map[string]*MetricAgg{
				"load_time_ms": {Count: 4, Sum: 800, Min: 100, Max: 350},
			},
		},
		"bottom": {Participants: 120, Conversions: 30},
	})

	summary, err := m.CalculateResults("ad-placement")
	require.NoError(t, err)

	ms := summary.Variants[0].Metrics["load_time_ms"]
	assert.Equal(t, 200.0, ms.Average)
	assert.Equal(t, 800.0, ms.Total)
	assert.Equal(t, 100.0, ms.Min)
	assert.Equal(t, 350.0, ms.Max)
	assert.Equal(t, 4, ms.Count)
}

func TestTwoProportionTest(t *testing.T) {
	t.Run("insufficient sample", func(t *testing.T) {
		sig := TwoProportionTest(5, 20, 8, 50)
		assert.False(t, sig.Significant)
		assert.Equal(t, "insufficient sample size", sig.Reason)
		assert.Zero(t, sig.Confidence)
	})

	t.Run("no variance", func(t *testing.T) {
		sig := TwoProportionTest(0, 100, 0, 100)
		assert.False(t, sig.Significant)
		assert.Equal(t, "no variance", sig.Reason)
	})

	t.Run("clearly significant", func(t *testing.T) {
		// 50% vs 25% at n=400 each: z well past 2.58.
		sig := TwoProportionTest(200, 400, 100, 400)
		assert.True(t, sig.Significant)
		assert.Equal(t, 99.0, sig.Confidence)
		assert.Greater(t, sig.ZScore, 2.58)
	})

	t.Run("small effect not significant", func(t *testing.T) {
		sig := TwoProportionTest(52, 500, 50, 500)
		assert.False(t, sig.Significant)
		assert.Less(t, sig.Confidence, 90.0)
	})
}

func TestConfidenceFromZ(t *testing.T) {
	cases := []struct {
		z    float64
		want float64
	}{
		{3.0, 99},
		{2.6, 99},
		{2.0, 95},
		{1.97, 95},
		{1.7, 90},
		{1.65, 90},
		{1.0, 40},
		{0.5, 20},
		{0, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, confidenceFromZ(tc.z), "z=%.2f", tc.z)
	}
}
