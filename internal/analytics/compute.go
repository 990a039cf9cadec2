package analytics

import (
	"math"

	"github.com/azure/mentions-sync/internal/models"
)

const (
	// trailing windows, in hours
	recentWindowHours = 1
	weekWindowHours   = 168
	scoreWindowDays   = 30

	trendMultiplier = 1.5
)

// Trend is the recomputed trend state of a topic
type Trend struct {
	IsTrending bool
	Direction  models.TrendDirection
	ChangePct  *float64
}

// ComputeTrend compares the last hour against the hourly rate of the last week.
// A topic is trending when the last hour reaches 1.5x the baseline rate.
func ComputeTrend(recentCount, weekCount int) Trend {
	baseline := float64(weekCount) / weekWindowHours
	recent := float64(recentCount)

	trend := Trend{Direction: models.TrendStable}
	switch {
	case recent > baseline:
		trend.Direction = models.TrendUp
	case recent < baseline:
		trend.Direction = models.TrendDown
	}

	if baseline > 0 {
		trend.IsTrending = recent >= baseline*trendMultiplier
		pct := round2((recent - baseline) / baseline * 100)
		trend.ChangePct = &pct
	}
	return trend
}

// RawInfluenceScore weights followers, mention volume, engagement and verification
func RawInfluenceScore(followers, mentions int, avgEngagement float64, verified bool) float64 {
	v := 0.0
	if verified {
		v = 1
	}
	return float64(followers)*0.3 +
		float64(mentions)*10*0.2 +
		avgEngagement*100*0.3 +
		v*1000*0.2
}

// NormalizeInfluence scales raw scores against the largest raw score in the set (at least 1),
// so a tenant's top influencer scores 100 whenever its raw score is at least 1.
func NormalizeInfluence(raw []float64) []float64 {
	top := 1.0
	for _, r := range raw {
		if r > top {
			top = r
		}
	}

	scores := make([]float64, len(raw))
	for i, r := range raw {
		scores[i] = round2(r / top * 100)
	}
	return scores
}

// ReachEstimate assumes 3% of followers see each mention
func ReachEstimate(followers, mentions int) int64 {
	if mentions < 1 {
		mentions = 1
	}
	return int64(math.Round(float64(followers) * 0.03 * float64(mentions)))
}

// ShareOfVoice returns each competitor's percentage of own plus all competitor mentions
func ShareOfVoice(ownCount int, competitorCounts []int) []float64 {
	total := ownCount
	for _, c := range competitorCounts {
		total += c
	}

	shares := make([]float64, len(competitorCounts))
	if total == 0 {
		return shares
	}
	for i, c := range competitorCounts {
		shares[i] = round2(float64(c) / float64(total) * 100)
	}
	return shares
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
