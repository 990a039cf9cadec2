package analytics

import (
	"testing"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTrend(t *testing.T) {
	tests := []struct {
		name         string
		recent, week int
		trending     bool
		direction    models.TrendDirection
		changePct    *float64
	}{
		{name: "Twice the baseline", recent: 2, week: 168, trending: true, direction: models.TrendUp, changePct: ptr(100)},
		{name: "At the baseline", recent: 1, week: 168, trending: false, direction: models.TrendStable, changePct: ptr(0)},
		{name: "Exactly one and a half", recent: 3, week: 336, trending: true, direction: models.TrendUp, changePct: ptr(50)},
		{name: "Below baseline", recent: 0, week: 336, trending: false, direction: models.TrendDown, changePct: ptr(-100)},
		{name: "No history", recent: 0, week: 0, trending: false, direction: models.TrendStable},
		{name: "Recent without baseline", recent: 4, week: 0, trending: false, direction: models.TrendUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trend := ComputeTrend(tt.recent, tt.week)
			assert.Equal(t, tt.trending, trend.IsTrending)
			assert.Equal(t, tt.direction, trend.Direction)
			if tt.changePct == nil {
				assert.Nil(t, trend.ChangePct)
				return
			}
			require.NotNil(t, trend.ChangePct)
			assert.InDelta(t, *tt.changePct, *trend.ChangePct, 0.001)
		})
	}
}

func TestRawInfluenceScore(t *testing.T) {
	// 1000*0.3 + 5*10*0.2 + 0.5*100*0.3 + 1000*0.2
	assert.InDelta(t, 300+10+15+200, RawInfluenceScore(1000, 5, 0.5, true), 0.0001)
	assert.InDelta(t, 2.0, RawInfluenceScore(0, 1, 0, false), 0.0001)
}

func TestNormalizeInfluence(t *testing.T) {
	t.Run("Single influencer scores 100", func(t *testing.T) {
		for _, raw := range []float64{2, 325, 1e9} {
			assert.Equal(t, []float64{100}, NormalizeInfluence([]float64{raw}))
		}
	})

	t.Run("Relative to the tenant's top score", func(t *testing.T) {
		assert.Equal(t, []float64{100, 50, 33.33}, NormalizeInfluence([]float64{300, 150, 100}))
	})

	t.Run("Scores below one are not inflated", func(t *testing.T) {
		assert.Equal(t, []float64{50, 0}, NormalizeInfluence([]float64{0.5, 0}))
	})
}

func TestReachEstimate(t *testing.T) {
	assert.Equal(t, int64(30), ReachEstimate(1000, 1))
	assert.Equal(t, int64(30), ReachEstimate(1000, 0))
	assert.Equal(t, int64(150), ReachEstimate(1000, 5))
	assert.Equal(t, int64(6), ReachEstimate(100, 2))
}

func TestShareOfVoice(t *testing.T) {
	assert.Equal(t, []float64{30, 20}, ShareOfVoice(50, []int{30, 20}))
	assert.Equal(t, []float64{0, 0}, ShareOfVoice(0, []int{0, 0}))
	assert.Equal(t, []float64{33.33}, ShareOfVoice(2, []int{1}))
}

func ptr(v float64) *float64 { return &v }
