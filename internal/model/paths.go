package model

import "fmt"

// Store paths consumed and produced by the sync engine.
const (
	SessionsPath = "sessions"
	UsersPath    = "users"
	RfidMapPath  = "rfidMap"
	SettingsPath = "settings"
	StationsPath = "stations"
)

func EnvPath(stationID string) string {
	return fmt.Sprintf("stations/%s/env", stationID)
}

func PzemPath(stationID, port string) string {
	return fmt.Sprintf("stations/%s/ports/%s/pzem", stationID, port)
}

func StatusPath(stationID, port string) string {
	return fmt.Sprintf("stations/%s/ports/%s/status", stationID, port)
}

func SessionPath(sessionID string) string {
	return SessionsPath + "/" + sessionID
}

func RfidPath(cardID string) string {
	return RfidMapPath + "/" + cardID
}

func UserPath(userID string) string {
	return UsersPath + "/" + userID
}
