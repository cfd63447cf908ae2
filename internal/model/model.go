package model

// Station represents a physical charging site
type Station struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// RawEnvironment is the environment sensor payload as the device writes it.
// Temperature may be fixed-point x10 and humidity may be a 0..1 fraction.
type RawEnvironment struct {
	Temp *float64 `json:"temp,omitempty"`
	Hum  *float64 `json:"hum,omitempty"`
	Ts   *float64 `json:"ts,omitempty"`
}

// EnvironmentReading is a normalized ambient sensor snapshot
type EnvironmentReading struct {
	TemperatureC *float64 `json:"temperatureC"`
	HumidityPct  *float64 `json:"humidityPct"`
	RawTimestamp *float64 `json:"rawTimestamp,omitempty"`
}

// PowerReading is a per-port electrical meter snapshot
type PowerReading struct {
	VoltageV     float64  `json:"u"`
	CurrentA     float64  `json:"i"`
	PowerW       float64  `json:"p"`
	EnergyKwh    *float64 `json:"e,omitempty"`
	FrequencyHz  float64  `json:"hz"`
	PowerFactor  float64  `json:"pf"`
	RawTimestamp *float64 `json:"ts,omitempty"`
}

// PortStatus is the per-port occupancy state
type PortStatus struct {
	IsCharging bool     `json:"isCharging"`
	SessionID  *string  `json:"sessionId,omitempty"`
	CardID     *string  `json:"cardId,omitempty"`
	StartRaw   *float64 `json:"startTs,omitempty"`
	StopRaw    *float64 `json:"stopTs,omitempty"`
	Fault      *string  `json:"fault,omitempty"`
	UpdatedRaw *float64 `json:"ts,omitempty"`
}

// ChargingSession is one charge event record, keyed by session id
type ChargingSession struct {
	SessionID    string   `json:"sessionId"`
	StationID    string   `json:"stationId,omitempty"`
	Port         string   `json:"port,omitempty"`
	CardID       *string  `json:"cardId,omitempty"`
	StartRaw     *float64 `json:"startTs,omitempty"`
	StopRaw      *float64 `json:"stopTs,omitempty"`
	EnergyKwh    *float64 `json:"energyKwh,omitempty"`
	CostVnd      *float64 `json:"costVnd,omitempty"`
	UpdatedRaw   *float64 `json:"updatedTs,omitempty"`
	Reason       *string  `json:"reason,omitempty"`
	BatteryStart *float64 `json:"batteryStart,omitempty"`
	BatteryEnd   *float64 `json:"batteryEnd,omitempty"`
}

// Complete reports whether the session carries a positive stop value,
// whatever unit that value is in.
func (s ChargingSession) Complete() bool {
	return s.StopRaw != nil && *s.StopRaw > 0
}

// UserProfile is an identity record
type UserProfile struct {
	UserID     string   `json:"userId"`
	Name       string   `json:"name"`
	Email      *string  `json:"email,omitempty"`
	CardID     *string  `json:"cardId,omitempty"`
	UpdatedRaw *float64 `json:"updatedTs,omitempty"`
}

// Settings is the site-wide singleton configuration record
type Settings struct {
	PriceVndPerKwh        float64  `json:"priceVndPerKwh"`
	TemperatureThresholdC float64  `json:"tempThresholdC"`
	UpdatedAt             *float64 `json:"updatedTs,omitempty"`
}

// String returns a pointer to s, or nil when s is empty
func String(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}
