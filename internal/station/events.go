package station

import (
	"time"

	"github.com/septivank/ev-station-sync/internal/aggregator"
	"github.com/septivank/ev-station-sync/internal/model"
)

// Alarm kinds
const (
	AlarmOverTemperature = "over_temperature"
	AlarmPowerSpike      = "power_spike"
)

// Alarm is an active abnormal condition at a station or one of its ports
type Alarm struct {
	StationID string    `json:"stationId"`
	Port      string    `json:"port,omitempty"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	Value     float64   `json:"value"`
	RaisedAt  time.Time `json:"raisedAt"`
}

func (a Alarm) key() string {
	return a.Kind + "/" + a.Port
}

// CompletedSession is emitted once per session id when a port's session
// record gains a positive stop value.
type CompletedSession struct {
	StationID string
	Port      string
	Session   model.ChargingSession
	UserID    string
	UserName  string
	Metrics   aggregator.Metrics
}

// EventSink receives station events. Implementations must not block; the
// controller calls them from its reaction loop.
type EventSink interface {
	SessionCompleted(event CompletedSession)
	AlarmRaised(alarm Alarm)
}
