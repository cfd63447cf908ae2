package anomaly

import (
	"fmt"
)

// Detector handles anomaly detection with configurable thresholds
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// HistorySize is how many past readings a caller should keep per meter
func (d *Detector) HistorySize() int {
	if d.minDataPointsForDetection > 10 {
		return d.minDataPointsForDetection
	}
	return 10
}

// DetectAnomaly checks if the value is anomalous based on historical data
func (d *Detector) DetectAnomaly(value float64, historicalValues []float64) (bool, string) {
	// Check for negative values
	if value < 0 {
		return true, "negative value"
	}

	// Need enough historical data for spike detection
	if len(historicalValues) < d.minDataPointsForDetection {
		return false, ""
	}

	// Calculate rolling average
	sum := 0.0
	for _, v := range historicalValues {
		sum += v
	}
	average := sum / float64(len(historicalValues))

	// Detect sudden spike (>threshold x rolling average)
	if average > 0 && value > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: value %.2f exceeds %.1fx rolling average %.2f",
			value, d.spikeThreshold, average)
	}

	return false, ""
}

// DetectOverTemperature compares a normalized temperature with the site
// threshold. An absent reading or a non-positive threshold never alarms.
func (d *Detector) DetectOverTemperature(temperatureC *float64, thresholdC float64) (bool, string) {
	if temperatureC == nil || thresholdC <= 0 {
		return false, ""
	}
	if *temperatureC > thresholdC {
		return true, fmt.Sprintf("temperature %.1f°C exceeds threshold %.1f°C", *temperatureC, thresholdC)
	}
	return false, ""
}
