package station

import (
	"encoding/json"

	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/internal/subscription"
	"github.com/septivank/ev-station-sync/internal/validator"
)

// Chain level indexes of a port chain
const (
	levelStatus = iota
	levelSession
	levelCard
	levelUser
)

// portLevels builds the status → session → card binding → user chain of
// one port.
func portLevels(stationID, port string, v *validator.Validator) []subscription.Level {
	return []subscription.Level{
		levelStatus: {
			Name: "status",
			Key: func([]any) (string, bool) {
				return port, true
			},
			Path: func(string) string {
				return model.StatusPath(stationID, port)
			},
			Decode: func(_ string, raw json.RawMessage) (any, error) {
				return boxed(v.DecodePortStatus(raw))
			},
		},
		levelSession: {
			Name: "session",
			Key: func(up []any) (string, bool) {
				status := statusOf(up)
				if status == nil || status.SessionID == nil {
					return "", false
				}
				return *status.SessionID, true
			},
			Path: model.SessionPath,
			Decode: func(key string, raw json.RawMessage) (any, error) {
				return boxed(v.DecodeSession(key, raw))
			},
		},
		levelCard: {
			Name: "card",
			Key: func(up []any) (string, bool) {
				card := cardOf(statusOf(up), sessionOf(up))
				if card == nil {
					return "", false
				}
				return *card, true
			},
			Path: model.RfidPath,
			Decode: func(_ string, raw json.RawMessage) (any, error) {
				uid, err := v.DecodeUserID(raw)
				if err != nil || uid == nil {
					return nil, err
				}
				return *uid, nil
			},
		},
		levelUser: {
			Name: "user",
			Key: func(up []any) (string, bool) {
				uid, ok := up[levelCard].(string)
				return uid, ok && uid != ""
			},
			Path: model.UserPath,
			Decode: func(key string, raw json.RawMessage) (any, error) {
				return boxed(v.DecodeUser(key, raw))
			},
		},
	}
}

// boxed converts a typed result into a chain value. A nil pointer becomes an
// untyped nil so downstream type switches see "absent".
func boxed[T any](v *T, err error) (any, error) {
	if err != nil || v == nil {
		return nil, err
	}
	return v, nil
}

func statusOf(values []any) *model.PortStatus {
	if len(values) <= levelStatus {
		return nil
	}
	s, _ := values[levelStatus].(*model.PortStatus)
	return s
}

func sessionOf(values []any) *model.ChargingSession {
	if len(values) <= levelSession {
		return nil
	}
	s, _ := values[levelSession].(*model.ChargingSession)
	return s
}

func userIDOf(values []any) *string {
	if len(values) <= levelCard {
		return nil
	}
	uid, ok := values[levelCard].(string)
	if !ok || uid == "" {
		return nil
	}
	return &uid
}

func userOf(values []any) *model.UserProfile {
	if len(values) <= levelUser {
		return nil
	}
	u, _ := values[levelUser].(*model.UserProfile)
	return u
}

// cardOf prefers the card recorded on the session over the one on the status
func cardOf(status *model.PortStatus, session *model.ChargingSession) *string {
	if session != nil && session.CardID != nil {
		return session.CardID
	}
	if status != nil {
		return status.CardID
	}
	return nil
}
