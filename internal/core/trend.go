// services/habitat/internal/core/trend.go
package core

// minTrendSamples is the smallest window the default analyzer will judge.
const minTrendSamples = 10

// movingAverageTrend is the default TrendAnalyzer: it splits the trailing
// window into a recent and an older half and compares the mean behavior
// scores of the two. Replace it through the TrendAnalyzer interface when
// a real model is available.
type movingAverageTrend struct{}

// NewMovingAverageTrend returns the default trend analyzer.
func NewMovingAverageTrend() TrendAnalyzer {
	return movingAverageTrend{}
}

func (movingAverageTrend) Analyze(window []*AnalyticsRecord) (Severity, *TrendInsight) {
	recent, older := splitBehavior(window)
	if len(recent) < minTrendSamples/2 || len(older) < minTrendSamples/2 {
		return SeverityLow, nil
	}

	recentAggr, recentCoord := meanScores(recent)
	olderAggr, olderCoord := meanScores(older)

	trends := map[string]string{
		"aggression":   direction(recentAggr, olderAggr),
		"coordination": direction(recentCoord, olderCoord),
	}
	insight := &TrendInsight{Trends: trends}

	// Rising aggression at an already elevated level, or collapsing
	// coordination, marks the window as high risk.
	risk := SeverityLow
	if recentAggr > olderAggr && recentAggr > 0.5 {
		risk = SeverityHigh
	}
	if recentCoord < olderCoord && recentCoord < 0.3 {
		risk = SeverityHigh
	}
	insight.RiskLevel = risk

	return risk, insight
}

// splitBehavior partitions the window (most recent first) into its two
// halves, keeping only records that carry behavior metrics.
func splitBehavior(window []*AnalyticsRecord) (recent, older []*BehaviorMetrics) {
	var metrics []*BehaviorMetrics
	for _, r := range window {
		if r.Behavior != nil {
			metrics = append(metrics, r.Behavior)
		}
	}

	half := len(metrics) / 2
	return metrics[:half], metrics[half:]
}

func meanScores(metrics []*BehaviorMetrics) (aggression, coordination float64) {
	if len(metrics) == 0 {
		return 0, 0
	}
	for _, m := range metrics {
		aggression += m.AggressionLevel
		coordination += m.CoordinationScore
	}
	n := float64(len(metrics))
	return aggression / n, coordination / n
}

func direction(recent, older float64) string {
	switch {
	case recent > older:
		return "INCREASING"
	case recent < older:
		return "DECREASING"
	default:
		return "STABLE"
	}
}
