package station

import (
	"github.com/septivank/ev-station-sync/internal/aggregator"
	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/internal/normalizer"
	"github.com/septivank/ev-station-sync/internal/subscription"
)

// PortSnapshot is the merged live state of one port
type PortSnapshot struct {
	Port     string                    `json:"port"`
	PortNo   int                       `json:"portNo"`
	Status   *model.PortStatus         `json:"status"`
	Power    *model.PowerReading       `json:"power"`
	Session  *model.ChargingSession    `json:"session"`
	CardID   *string                   `json:"cardId"`
	UserID   *string                   `json:"userId"`
	User     *model.UserProfile        `json:"user"`
	UserName string                    `json:"userName"`
	Metrics  aggregator.Metrics        `json:"metrics"`
	Links    []subscription.LevelStats `json:"links"`
}

// Snapshot is the merged live state of one station. Every pointer is nil
// until its first value arrives and again after Stop.
type Snapshot struct {
	StationID   string                    `json:"stationId"`
	Running     bool                      `json:"running"`
	Environment *model.EnvironmentReading `json:"environment"`
	Settings    model.Settings            `json:"settings"`
	SettingsSet bool                      `json:"settingsLoaded"`
	Ports       []PortSnapshot            `json:"ports"`
	Totals      aggregator.StationTotals  `json:"totals"`
	Alarms      []Alarm                   `json:"alarms"`
}

// Snapshot returns a copy of the current state with derived metrics
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		StationID:   c.id,
		Running:     c.running,
		Environment: c.env,
		Settings:    c.defaults,
		Alarms:      []Alarm{},
	}
	if c.settings != nil {
		snap.Settings = *c.settings
		snap.SettingsSet = true
	}

	inputs := make([]aggregator.PortInput, 0, len(c.ports))
	for _, p := range c.ports {
		values := p.chain.Values()
		ps := PortSnapshot{
			Port:    p.name,
			PortNo:  aggregator.PortNumber(p.name),
			Status:  statusOf(values),
			Power:   p.power,
			Session: sessionOf(values),
			UserID:  userIDOf(values),
			User:    userOf(values),
			Links:   p.chain.Stats(),
		}
		ps.CardID = cardOf(ps.Status, ps.Session)
		ps.UserName = displayName(ps.User, ps.UserID, ps.CardID)
		ps.Metrics = c.agg.Aggregate(ps.Status, ps.Power, ps.Session, c.settings)
		snap.Ports = append(snap.Ports, ps)
		inputs = append(inputs, aggregator.PortInput{Status: ps.Status, Power: ps.Power})

		if p.power != nil && p.spikeReason != "" {
			snap.Alarms = append(snap.Alarms, c.stamp(Alarm{
				StationID: c.id,
				Port:      p.name,
				Kind:      AlarmPowerSpike,
				Reason:    p.spikeReason,
				Value:     p.spikeValue,
			}))
		}
	}
	snap.Totals = aggregator.Totals(inputs)

	if c.env != nil {
		if hot, reason := c.detector.DetectOverTemperature(c.env.TemperatureC, snap.Settings.TemperatureThresholdC); hot {
			snap.Alarms = append(snap.Alarms, c.stamp(Alarm{
				StationID: c.id,
				Kind:      AlarmOverTemperature,
				Reason:    reason,
				Value:     *c.env.TemperatureC,
			}))
		}
	}
	return snap
}

// stamp sets RaisedAt to when the alarm was first recorded, or to now for
// one not yet seen. Callers hold c.mu.
func (c *Controller) stamp(a Alarm) Alarm {
	if at, ok := c.alarmed[a.key()]; ok {
		a.RaisedAt = at
	} else {
		a.RaisedAt = c.now()
	}
	return a
}

// displayName prefers the profile name, then the user id, then the card id
func displayName(user *model.UserProfile, userID, cardID *string) string {
	switch {
	case user != nil && user.Name != "":
		return user.Name
	case userID != nil:
		return *userID
	case cardID != nil:
		return *cardID
	default:
		return "-"
	}
}

func normalize(raw *model.RawEnvironment) *model.EnvironmentReading {
	return normalizer.NormalizeEnvironment(raw)
}
