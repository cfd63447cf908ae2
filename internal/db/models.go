package db

import (
	"time"

	"github.com/google/uuid"
)

// ArchivedSession is a completed charging session in the archive
type ArchivedSession struct {
	ID         uuid.UUID
	SessionID  string
	StationID  string
	Port       string
	CardID     *string
	UserID     *string
	UserName   string
	StartedAt  *time.Time
	StoppedAt  *time.Time
	StartRaw   *float64
	StopRaw    *float64
	DurationMs *int64
	EnergyKwh  float64
	CostVnd    float64
	Reason     *string
	RawPayload []byte
	ArchivedAt time.Time
}
