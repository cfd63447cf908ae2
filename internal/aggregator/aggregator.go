package aggregator

import (
	"math"

	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/tools/timeparser"
)

// Metrics is the derived view of one port
type Metrics struct {
	PowerW     float64 `json:"powerW"`
	VoltageV   float64 `json:"voltageV"`
	CurrentA   float64 `json:"currentA"`
	EnergyKwh  float64 `json:"energyKwh"`
	CostVnd    float64 `json:"costVnd"`
	StartMs    *int64  `json:"startMs"`
	StopMs     *int64  `json:"stopMs"`
	DurationMs *int64  `json:"durationMs"`

	// Display strings fall back to timeparser.Unavailable, never a made-up date.
	StartClock   string `json:"startClock"`
	StopClock    string `json:"stopClock"`
	StartDate    string `json:"startDate"`
	DurationText string `json:"durationText"`
}

// Aggregator derives port metrics from the latest chain state
type Aggregator struct {
	resolver *timeparser.Resolver
	defaults model.Settings
}

// NewAggregator creates an aggregator. defaults stand in for the settings
// record until it has been received.
func NewAggregator(resolver *timeparser.Resolver, defaults model.Settings) *Aggregator {
	return &Aggregator{resolver: resolver, defaults: defaults}
}

// Resolver returns the timestamp resolver the aggregator uses
func (a *Aggregator) Resolver() *timeparser.Resolver {
	return a.resolver
}

// Price returns the effective price per kWh
func (a *Aggregator) Price(settings *model.Settings) float64 {
	if settings == nil {
		return a.defaults.PriceVndPerKwh
	}
	return settings.PriceVndPerKwh
}

// Aggregate combines the latest status, meter, session and settings into
// port metrics. Every input may be nil.
func (a *Aggregator) Aggregate(status *model.PortStatus, power *model.PowerReading, session *model.ChargingSession, settings *model.Settings) Metrics {
	var m Metrics
	if power != nil {
		m.PowerW = power.PowerW
		m.VoltageV = power.VoltageV
		m.CurrentA = power.CurrentA
	}

	m.EnergyKwh = energyOf(session, power)
	m.CostVnd = a.costOf(session, m.EnergyKwh, settings)

	startRaw, stopRaw := timesOf(status, session)
	if ms, ok := a.resolver.ToEpochMillis(startRaw); ok {
		m.StartMs = &ms
	}
	if ms, ok := a.resolver.ToEpochMillis(stopRaw); ok {
		m.StopMs = &ms
	}
	d, ok := a.resolver.Duration(startRaw, stopRaw)
	if ok {
		ms := d.Milliseconds()
		m.DurationMs = &ms
	}

	m.StartClock = a.resolver.FormatClock(startRaw)
	m.StopClock = a.resolver.FormatClock(stopRaw)
	m.StartDate = a.resolver.FormatDate(startRaw)
	m.DurationText = timeparser.FormatDuration(d, ok)
	return m
}

func energyOf(session *model.ChargingSession, power *model.PowerReading) float64 {
	if session != nil && session.EnergyKwh != nil {
		return *session.EnergyKwh
	}
	if power != nil && power.EnergyKwh != nil {
		return *power.EnergyKwh
	}
	return 0
}

func (a *Aggregator) costOf(session *model.ChargingSession, energyKwh float64, settings *model.Settings) float64 {
	if session != nil && session.CostVnd != nil {
		return math.Round(*session.CostVnd)
	}
	return math.Round(energyKwh * a.Price(settings))
}

// timesOf prefers the session's own start and stop, falling back to the
// port status per field.
func timesOf(status *model.PortStatus, session *model.ChargingSession) (start, stop *float64) {
	if session != nil {
		start, stop = session.StartRaw, session.StopRaw
	}
	if status != nil {
		if start == nil {
			start = status.StartRaw
		}
		if stop == nil {
			stop = status.StopRaw
		}
	}
	return start, stop
}

// StationTotals summarizes the ports of one station
type StationTotals struct {
	ChargingCount  int     `json:"chargingCount"`
	PortCount      int     `json:"portCount"`
	TotalPowerW    float64 `json:"totalPowerW"`
	TotalEnergyKwh float64 `json:"totalEnergyKwh"`
}

// PortInput is what Totals needs from each port
type PortInput struct {
	Status *model.PortStatus
	Power  *model.PowerReading
}

// Totals counts charging ports and sums meter power and energy
func Totals(ports []PortInput) StationTotals {
	totals := StationTotals{PortCount: len(ports)}
	var power, energy float64
	for _, p := range ports {
		if p.Status != nil && p.Status.IsCharging {
			totals.ChargingCount++
		}
		if p.Power != nil {
			power += p.Power.PowerW
			if p.Power.EnergyKwh != nil {
				energy += *p.Power.EnergyKwh
			}
		}
	}
	totals.TotalPowerW = math.Round(power)
	totals.TotalEnergyKwh = RoundKwh(energy)
	return totals
}

// RoundKwh rounds an energy value to watt-hour precision
func RoundKwh(v float64) float64 {
	return math.Round(v*1000) / 1000
}
