package normalizer

import (
	"math"

	"github.com/septivank/ev-station-sync/internal/model"
)

// Physical bounds of a normalized reading. Anything outside after the scale
// correction is treated as absent rather than shown.
const (
	minTemperatureC = -50.0
	maxTemperatureC = 100.0
	minHumidityPct  = 0.0
	maxHumidityPct  = 100.0
)

// NormalizeEnvironment corrects the scale ambiguity of a raw environment
// payload. A nil payload yields nil so "no data yet" never reads as zero.
func NormalizeEnvironment(raw *model.RawEnvironment) *model.EnvironmentReading {
	if raw == nil {
		return nil
	}
	return &model.EnvironmentReading{
		TemperatureC: NormalizeTemperature(raw.Temp),
		HumidityPct:  NormalizeHumidity(raw.Hum),
		RawTimestamp: raw.Ts,
	}
}

// NormalizeTemperature divides fixed-point x10 values (magnitude above 100)
// by ten and rounds to one decimal.
func NormalizeTemperature(raw *float64) *float64 {
	if raw == nil || !finite(*raw) {
		return nil
	}
	t := *raw
	if math.Abs(t) > maxTemperatureC {
		t /= 10
	}
	t = math.Round(t*10) / 10
	if t < minTemperatureC || t > maxTemperatureC {
		return nil
	}
	return &t
}

// NormalizeHumidity scales fractional values (at most 1) to percent and
// rounds to an integer.
func NormalizeHumidity(raw *float64) *float64 {
	if raw == nil || !finite(*raw) {
		return nil
	}
	h := *raw
	if h <= 1 {
		h *= 100
	}
	h = math.Round(h)
	if h < minHumidityPct || h > maxHumidityPct {
		return nil
	}
	return &h
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
