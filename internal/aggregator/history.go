package aggregator

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/tools/timeparser"
)

// HistoryRow is one completed session as listed in the charge history
type HistoryRow struct {
	SessionID    string   `json:"sessionId"`
	StationID    string   `json:"stationId"`
	Port         string   `json:"port"`
	PortNo       int      `json:"portNo"`
	CardID       string   `json:"cardId,omitempty"`
	UserID       string   `json:"userId,omitempty"`
	UserName     string   `json:"userName"`
	StartMs      *int64   `json:"startMs"`
	StopMs       *int64   `json:"stopMs"`
	StartDate    string   `json:"startDate"`
	StartClock   string   `json:"startClock"`
	StopClock    string   `json:"stopClock"`
	DurationMs   int64    `json:"durationMs"`
	DurationText string   `json:"durationText"`
	EnergyKwh    float64  `json:"energyKwh"`
	CostVnd      float64  `json:"costVnd"`
	BatteryStart *float64 `json:"batteryStart,omitempty"`
	BatteryEnd   *float64 `json:"batteryEnd,omitempty"`
	Reason       *string  `json:"reason,omitempty"`

	sortKey float64
}

// HistoryTotals summarizes a history listing
type HistoryTotals struct {
	Sessions        int     `json:"sessions"`
	TotalDurationMs int64   `json:"totalDurationMs"`
	TotalTimeText   string  `json:"totalTimeText"`
	TotalEnergyKwh  float64 `json:"totalEnergyKwh"`
	TotalRevenueVnd float64 `json:"totalRevenueVnd"`
}

// History lists completed sessions, newest first. bindings maps card ids to
// user ids and users holds the profiles used to show names; both may be nil.
func (a *Aggregator) History(sessions map[string]model.ChargingSession, bindings map[string]string, users map[string]model.UserProfile, settings *model.Settings) ([]HistoryRow, HistoryTotals) {
	rows := make([]HistoryRow, 0, len(sessions))
	for id, s := range sessions {
		if !s.Complete() {
			continue
		}
		if s.SessionID == "" {
			s.SessionID = id
		}
		rows = append(rows, a.historyRow(s, bindings, users, settings))
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].sortKey != rows[j].sortKey {
			return rows[i].sortKey > rows[j].sortKey
		}
		return rows[i].SessionID < rows[j].SessionID
	})

	var totals HistoryTotals
	var energy float64
	for _, r := range rows {
		totals.Sessions++
		totals.TotalDurationMs += r.DurationMs
		energy += r.EnergyKwh
		totals.TotalRevenueVnd += r.CostVnd
	}
	totals.TotalEnergyKwh = RoundKwh(energy)
	totals.TotalTimeText = formatHoursMinutes(totals.Sessions, time.Duration(totals.TotalDurationMs)*time.Millisecond)
	return rows, totals
}

func (a *Aggregator) historyRow(s model.ChargingSession, bindings map[string]string, users map[string]model.UserProfile, settings *model.Settings) HistoryRow {
	row := HistoryRow{
		SessionID:    s.SessionID,
		StationID:    s.StationID,
		Port:         s.Port,
		PortNo:       PortNumber(s.Port),
		EnergyKwh:    energyOf(&s, nil),
		CostVnd:      a.costOf(&s, energyOf(&s, nil), settings),
		BatteryStart: s.BatteryStart,
		BatteryEnd:   s.BatteryEnd,
		Reason:       s.Reason,
		StartDate:    a.resolver.FormatDate(s.StartRaw),
		StartClock:   a.resolver.FormatClock(s.StartRaw),
		StopClock:    a.resolver.FormatClock(s.StopRaw),
	}
	if s.CardID != nil {
		row.CardID = *s.CardID
	}
	row.UserID, row.UserName = resolveUser(row.CardID, bindings, users)

	if ms, ok := a.resolver.ToEpochMillis(s.StartRaw); ok {
		row.StartMs = &ms
	}
	if ms, ok := a.resolver.ToEpochMillis(s.StopRaw); ok {
		row.StopMs = &ms
	}
	d, ok := a.resolver.Duration(s.StartRaw, s.StopRaw)
	if ok {
		row.DurationMs = d.Milliseconds()
	}
	row.DurationText = timeparser.FormatDuration(d, ok)

	switch {
	case s.UpdatedRaw != nil:
		row.sortKey = *s.UpdatedRaw
	case s.StopRaw != nil:
		row.sortKey = *s.StopRaw
	}
	return row
}

// resolveUser maps a card to a user id and display name. Older records were
// keyed by card id directly, so users is also tried with the card itself.
func resolveUser(cardID string, bindings map[string]string, users map[string]model.UserProfile) (string, string) {
	if cardID == "" {
		return "", "-"
	}
	uid := bindings[cardID]
	if uid != "" {
		if u, ok := users[uid]; ok && u.Name != "" {
			return uid, u.Name
		}
		return uid, uid
	}
	if u, ok := users[cardID]; ok && u.Name != "" {
		return cardID, u.Name
	}
	return "", cardID
}

// PortNumber maps a port key to its 1-based number: A is 1, B is 2, and
// numeric keys are used as is. Unknown keys map to 0.
func PortNumber(port string) int {
	if len(port) == 1 && port[0] >= 'A' && port[0] <= 'Z' {
		return int(port[0]-'A') + 1
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

func formatHoursMinutes(sessions int, total time.Duration) string {
	if sessions == 0 {
		return "--"
	}
	minutes := int64(total / time.Minute)
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}
