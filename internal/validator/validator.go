package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/internal/rtdb"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid       bool
	AnomalyReason string
}

// Validator decodes raw store payloads into typed records. A payload that
// does not match the expected shape is reported as rtdb.ErrMalformedPayload
// so callers can treat it as absent.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

type rawPortStatus struct {
	IsCharging *bool    `json:"isCharging"`
	SessionID  *string  `json:"sessionId"`
	CardID     *string  `json:"cardId"`
	UserID     *string  `json:"userId"`
	StartTs    *float64 `json:"startTs"`
	StopTs     *float64 `json:"stopTs"`
	Fault      *string  `json:"fault"`
	Ts         *float64 `json:"ts"`
}

type rawSession struct {
	StationID    json.RawMessage `json:"stationId"`
	Port         *string         `json:"port"`
	CardID       *string         `json:"cardId"`
	UserID       *string         `json:"userId"`
	StartTs      *float64        `json:"startTs"`
	StopTs       *float64        `json:"stopTs"`
	EnergyKwh    *float64        `json:"energyKwh"`
	CostVnd      *float64        `json:"costVnd"`
	UpdatedTs    *float64        `json:"updatedTs"`
	Reason       *string         `json:"reason"`
	BatteryStart *float64        `json:"batteryStart"`
	BatteryEnd   *float64        `json:"batteryEnd"`
}

type rawUser struct {
	Name      *string  `json:"name"`
	Email     *string  `json:"email"`
	CardID    *string  `json:"cardId"`
	UpdatedTs *float64 `json:"updatedTs"`
}

type rawSettings struct {
	PriceVndPerKwh *float64 `json:"priceVndPerKwh"`
	TempThresholdC *float64 `json:"tempThresholdC"`
	UpdatedTs      *float64 `json:"updatedTs"`
}

// DecodeEnvironment decodes an environment sensor payload
func (v *Validator) DecodeEnvironment(raw json.RawMessage) (*model.RawEnvironment, error) {
	if isNull(raw) {
		return nil, nil
	}
	var env model.RawEnvironment
	if err := decodeObject(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePowerReading decodes a meter payload; negative values are rejected
func (v *Validator) DecodePowerReading(raw json.RawMessage) (*model.PowerReading, error) {
	if isNull(raw) {
		return nil, nil
	}
	var reading model.PowerReading
	if err := decodeObject(raw, &reading); err != nil {
		return nil, err
	}
	if result := v.ValidatePowerReading(reading); !result.IsValid {
		return nil, malformed(result.AnomalyReason)
	}
	return &reading, nil
}

// ValidatePowerReading checks that every meter quantity is non-negative
func (v *Validator) ValidatePowerReading(r model.PowerReading) ValidationResult {
	fields := []struct {
		name  string
		value float64
	}{
		{"voltage", r.VoltageV},
		{"current", r.CurrentA},
		{"power", r.PowerW},
		{"frequency", r.FrequencyHz},
		{"power factor", r.PowerFactor},
	}
	if r.EnergyKwh != nil {
		fields = append(fields, struct {
			name  string
			value float64
		}{"energy", *r.EnergyKwh})
	}
	for _, f := range fields {
		if f.value < 0 {
			return ValidationResult{IsValid: false, AnomalyReason: fmt.Sprintf("negative %s value detected", f.name)}
		}
	}
	return ValidationResult{IsValid: true}
}

// DecodePortStatus decodes a port status payload. Older firmware writes the
// card id into userId; cardId wins when both are present.
func (v *Validator) DecodePortStatus(raw json.RawMessage) (*model.PortStatus, error) {
	if isNull(raw) {
		return nil, nil
	}
	var in rawPortStatus
	if err := decodeObject(raw, &in); err != nil {
		return nil, err
	}
	status := &model.PortStatus{
		IsCharging: in.IsCharging != nil && *in.IsCharging,
		SessionID:  nonEmpty(in.SessionID),
		CardID:     firstNonEmpty(in.CardID, in.UserID),
		StartRaw:   in.StartTs,
		StopRaw:    in.StopTs,
		Fault:      nonEmpty(in.Fault),
		UpdatedRaw: in.Ts,
	}
	return status, nil
}

// DecodeSession decodes the session record stored under sessionID
func (v *Validator) DecodeSession(sessionID string, raw json.RawMessage) (*model.ChargingSession, error) {
	if isNull(raw) {
		return nil, nil
	}
	var in rawSession
	if err := decodeObject(raw, &in); err != nil {
		return nil, err
	}
	stationID, err := flexibleString(in.StationID)
	if err != nil {
		return nil, err
	}
	session := &model.ChargingSession{
		SessionID:    sessionID,
		StationID:    stationID,
		CardID:       firstNonEmpty(in.CardID, in.UserID),
		StartRaw:     in.StartTs,
		StopRaw:      in.StopTs,
		EnergyKwh:    in.EnergyKwh,
		CostVnd:      in.CostVnd,
		UpdatedRaw:   in.UpdatedTs,
		Reason:       nonEmpty(in.Reason),
		BatteryStart: in.BatteryStart,
		BatteryEnd:   in.BatteryEnd,
	}
	if in.Port != nil {
		session.Port = *in.Port
	}
	if session.EnergyKwh != nil && *session.EnergyKwh < 0 {
		return nil, malformed("negative energy value detected")
	}
	if session.CostVnd != nil && *session.CostVnd < 0 {
		return nil, malformed("negative cost value detected")
	}
	return session, nil
}

// DecodeSessions decodes the whole sessions collection keyed by session id.
// Malformed entries are skipped and reported in the second return value.
func (v *Validator) DecodeSessions(raw json.RawMessage) (map[string]model.ChargingSession, []string, error) {
	out := map[string]model.ChargingSession{}
	if isNull(raw) {
		return out, nil, nil
	}
	var entries map[string]json.RawMessage
	if err := decodeObject(raw, &entries); err != nil {
		return nil, nil, err
	}
	var skipped []string
	for id, entry := range entries {
		session, err := v.DecodeSession(id, entry)
		if err != nil || session == nil {
			skipped = append(skipped, id)
			continue
		}
		out[id] = *session
	}
	return out, skipped, nil
}

// DecodeUserID decodes an rfidMap entry, which is a bare user id string
func (v *Validator) DecodeUserID(raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var uid string
	if err := json.Unmarshal(raw, &uid); err != nil {
		return nil, malformed(fmt.Sprintf("card binding is not a string: %v", err))
	}
	return nonEmpty(&uid), nil
}

// DecodeUser decodes the profile stored under userID
func (v *Validator) DecodeUser(userID string, raw json.RawMessage) (*model.UserProfile, error) {
	if isNull(raw) {
		return nil, nil
	}
	var in rawUser
	if err := decodeObject(raw, &in); err != nil {
		return nil, err
	}
	user := &model.UserProfile{
		UserID:     userID,
		Email:      nonEmpty(in.Email),
		CardID:     nonEmpty(in.CardID),
		UpdatedRaw: in.UpdatedTs,
	}
	if in.Name != nil {
		user.Name = *in.Name
	}
	return user, nil
}

// DecodeUsers decodes the users collection keyed by user id
func (v *Validator) DecodeUsers(raw json.RawMessage) (map[string]model.UserProfile, error) {
	out := map[string]model.UserProfile{}
	if isNull(raw) {
		return out, nil
	}
	var entries map[string]json.RawMessage
	if err := decodeObject(raw, &entries); err != nil {
		return nil, err
	}
	for id, entry := range entries {
		if user, err := v.DecodeUser(id, entry); err == nil && user != nil {
			out[id] = *user
		}
	}
	return out, nil
}

// DecodeSettings decodes the settings record; missing fields keep defaults
func (v *Validator) DecodeSettings(raw json.RawMessage, defaults model.Settings) (*model.Settings, error) {
	if isNull(raw) {
		return nil, nil
	}
	var in rawSettings
	if err := decodeObject(raw, &in); err != nil {
		return nil, err
	}
	settings := defaults
	if in.PriceVndPerKwh != nil {
		if *in.PriceVndPerKwh < 0 {
			return nil, malformed("negative price detected")
		}
		settings.PriceVndPerKwh = *in.PriceVndPerKwh
	}
	if in.TempThresholdC != nil {
		settings.TemperatureThresholdC = *in.TempThresholdC
	}
	settings.UpdatedAt = in.UpdatedTs
	return &settings, nil
}

func decodeObject(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return malformed("expected an object")
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return malformed(err.Error())
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", rtdb.ErrMalformedPayload, reason)
}

func flexibleString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	}
	return "", malformed("stationId is neither string nor number")
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func firstNonEmpty(values ...*string) *string {
	for _, v := range values {
		if s := nonEmpty(v); s != nil {
			return s
		}
	}
	return nil
}
