package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/septivank/ev-station-sync/internal/db"
	"github.com/septivank/ev-station-sync/internal/rtdb"
	"github.com/septivank/ev-station-sync/internal/service"
	"github.com/septivank/ev-station-sync/internal/station"
	"go.uber.org/zap"
)

// ArchiveReader reads archived sessions. GetBySessionID returns nil, nil for
// an unknown session.
type ArchiveReader interface {
	ListRecent(ctx context.Context, stationID string, limit int) ([]db.ArchivedSession, error)
	GetBySessionID(ctx context.Context, sessionID string) (*db.ArchivedSession, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

type Server struct {
	Stations    *station.Manager
	Admin       *service.AdminService
	Archive     ArchiveReader
	Checks      map[string]HealthCheck
	AdminAPIKey string
	Logger      *zap.Logger
}

func NewServer(stations *station.Manager, admin *service.AdminService, archive ArchiveReader, checks map[string]HealthCheck, adminAPIKey string, logger *zap.Logger) *Server {
	return &Server{Stations: stations, Admin: admin, Archive: archive, Checks: checks, AdminAPIKey: adminAPIKey, Logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/v1/stations", s.ListStations)
	r.Get("/v1/stations/{stationId}", s.GetStation)
	r.Get("/v1/stations/{stationId}/ws", s.StreamStation)
	r.Get("/v1/history", s.GetHistory)
	r.Get("/v1/archive/sessions", s.ListArchivedSessions)
	r.Get("/v1/archive/sessions/{sessionId}", s.GetArchivedSession)
	r.Get("/v1/settings", s.GetSettings)

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return RequireBearer(s.AdminAPIKey, next) })
		r.Put("/v1/settings", s.UpdateSettings)
		r.Post("/v1/cards/bind", s.BindCard)
		r.Post("/v1/users", s.CreateUser)
		r.Post("/v1/stations/{stationId}/ports/{port}/charging", s.SetCharging)
	})

	return r
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.Checks))
	for name := range s.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failures := map[string]string{}
	for _, name := range names {
		if err := s.Checks[name](ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(failures) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) ListStations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stations.Snapshots())
}

func (s *Server) GetStation(w http.ResponseWriter, r *http.Request) {
	c, ok := s.Stations.Station(chi.URLParam(r, "stationId"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	rows, totals, err := s.Admin.History(r.Context())
	if err != nil {
		s.fail(w, "history", err)
		return
	}
	if stationID := r.URL.Query().Get("station"); stationID != "" {
		filtered := rows[:0]
		for _, row := range rows {
			if row.StationID == stationID {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": rows, "totals": totals})
}

func (s *Server) ListArchivedSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, err := s.Archive.ListRecent(r.Context(), r.URL.Query().Get("station"), limit)
	if err != nil {
		s.Logger.Error("failed to list archived sessions", zap.Error(err))
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(items))
	for i := range items {
		out = append(out, archivedView(&items[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetArchivedSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	item, err := s.Archive.GetBySessionID(r.Context(), sessionID)
	if err != nil {
		s.Logger.Error("failed to get archived session", zap.String("session_id", sessionID), zap.Error(err))
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if item == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, archivedView(item))
}

func archivedView(it *db.ArchivedSession) map[string]any {
	return map[string]any{
		"id":         it.ID,
		"sessionId":  it.SessionID,
		"stationId":  it.StationID,
		"port":       it.Port,
		"cardId":     it.CardID,
		"userId":     it.UserID,
		"userName":   it.UserName,
		"startedAt":  it.StartedAt,
		"stoppedAt":  it.StoppedAt,
		"durationMs": it.DurationMs,
		"energyKwh":  it.EnergyKwh,
		"costVnd":    it.CostVnd,
		"reason":     it.Reason,
		"archivedAt": it.ArchivedAt,
	}
}

func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, loaded, err := s.Admin.Settings(r.Context())
	if err != nil {
		s.fail(w, "settings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings, "loaded": loaded})
}

type settingsReq struct {
	PriceVndPerKwh *float64 `json:"priceVndPerKwh"`
	TempThresholdC *float64 `json:"tempThresholdC"`
}

func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsReq
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if req.PriceVndPerKwh == nil || req.TempThresholdC == nil {
		http.Error(w, "priceVndPerKwh and tempThresholdC are required", http.StatusBadRequest)
		return
	}

	settings, err := s.Admin.UpdateSettings(r.Context(), *req.PriceVndPerKwh, *req.TempThresholdC)
	if err != nil {
		s.fail(w, "update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type bindCardReq struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	CardID   string `json:"cardId"`
}

func (s *Server) BindCard(w http.ResponseWriter, r *http.Request) {
	var req bindCardReq
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	uid, err := s.Admin.BindCard(r.Context(), req.Username, req.Email, req.CardID)
	if err != nil {
		s.fail(w, "bind card", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uid": uid})
}

type createUserReq struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

func (s *Server) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserReq
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	uid, err := s.Admin.CreateUser(r.Context(), req.Name, req.Email)
	if err != nil {
		s.fail(w, "create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"userId": uid})
}

type chargingReq struct {
	IsCharging *bool `json:"isCharging"`
}

func (s *Server) SetCharging(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "stationId")
	if _, ok := s.Stations.Station(stationID); !ok {
		http.NotFound(w, r)
		return
	}

	var req chargingReq
	if err := decodeBody(r, &req); err != nil || req.IsCharging == nil {
		http.Error(w, "isCharging is required", http.StatusBadRequest)
		return
	}

	if err := s.Admin.SetCharging(r.Context(), stationID, chi.URLParam(r, "port"), *req.IsCharging); err != nil {
		s.fail(w, "set charging", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps service and store errors to status codes
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, rtdb.ErrPermissionDenied):
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	}
	s.Logger.Error("request failed", zap.String("op", op), zap.Error(err))
	http.Error(w, "store error", http.StatusBadGateway)
}
