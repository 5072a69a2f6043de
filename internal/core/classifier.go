// services/habitat/internal/core/classifier.go
package core

// Behavior thresholds. These values are part of the alerting contract and
// must stay in sync with the device-side expectations.
const (
	aggressionThreshold   = 0.7
	hydrophobiaThreshold  = 0.6
	coordinationThreshold = 0.4
)

// Anomaly type tags.
const (
	AnomalyHighAggression     = "HIGH_AGGRESSION"
	AnomalyHydrophobia        = "HYDROPHOBIA_DETECTED"
	AnomalyCoordinationIssues = "COORDINATION_ISSUES"

	AnomalyTemperatureRange = "TEMPERATURE_OUT_OF_RANGE"
	AnomalyHumidityRange    = "HUMIDITY_OUT_OF_RANGE"
	AnomalyAirQuality       = "POOR_AIR_QUALITY"
)

// Nominal environment ranges for the habitat.
const (
	minTemperature = 18.0
	maxTemperature = 32.0
	minHumidity    = 40.0
	maxHumidity    = 90.0
	minAirQuality  = 0.5
)

// Classify evaluates the behavior threshold rules against a sample and
// returns the fired anomalies, in rule order, with the aggregate alert
// level. Pure and deterministic.
func Classify(m BehaviorMetrics) ([]Anomaly, Severity) {
	var anomalies []Anomaly

	if m.AggressionLevel > aggressionThreshold {
		anomalies = append(anomalies, Anomaly{
			Type:      AnomalyHighAggression,
			Severity:  SeverityHigh,
			Value:     m.AggressionLevel,
			Threshold: aggressionThreshold,
		})
	}

	if m.HydrophobiaScore > hydrophobiaThreshold {
		anomalies = append(anomalies, Anomaly{
			Type:      AnomalyHydrophobia,
			Severity:  SeverityCritical,
			Value:     m.HydrophobiaScore,
			Threshold: hydrophobiaThreshold,
		})
	}

	if m.CoordinationScore < coordinationThreshold {
		anomalies = append(anomalies, Anomaly{
			Type:      AnomalyCoordinationIssues,
			Severity:  SeverityMedium,
			Value:     m.CoordinationScore,
			Threshold: coordinationThreshold,
		})
	}

	return anomalies, AggregateLevel(anomalies)
}

// CheckEnvironment evaluates environment parameters against the nominal
// habitat ranges. Same shape as Classify but for raw parameters.
func CheckEnvironment(p EnvironmentParameters) ([]Anomaly, Severity) {
	var anomalies []Anomaly

	if p.Temperature < minTemperature || p.Temperature > maxTemperature {
		threshold := maxTemperature
		if p.Temperature < minTemperature {
			threshold = minTemperature
		}
		anomalies = append(anomalies, Anomaly{
			Type:      AnomalyTemperatureRange,
			Severity:  SeverityHigh,
			Value:     p.Temperature,
			Threshold: threshold,
		})
	}

	if p.Humidity < minHumidity || p.Humidity > maxHumidity {
		threshold := maxHumidity
		if p.Humidity < minHumidity {
			threshold = minHumidity
		}
		anomalies = append(anomalies, Anomaly{
			Type:      AnomalyHumidityRange,
			Severity:  SeverityMedium,
			Value:     p.Humidity,
			Threshold: threshold,
		})
	}

	if p.AirQuality < minAirQuality {
		anomalies = append(anomalies, Anomaly{
			Type:      AnomalyAirQuality,
			Severity:  SeverityMedium,
			Value:     p.AirQuality,
			Threshold: minAirQuality,
		})
	}

	return anomalies, AggregateLevel(anomalies)
}

// AggregateLevel buckets the summed severity scores of the fired anomalies
// into a single alert level. An empty slice yields LOW.
func AggregateLevel(anomalies []Anomaly) Severity {
	total := 0
	for _, a := range anomalies {
		total += severityScore[a.Severity]
	}

	switch {
	case total >= 6:
		return SeverityCritical
	case total >= 4:
		return SeverityHigh
	case total >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
