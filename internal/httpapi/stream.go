package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/septivank/ev-station-sync/internal/station"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 12
)

type wsEnvelope struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamStation pushes a snapshot on connect and again after every change
// of the station's live state.
func (s *Server) StreamStation(w http.ResponseWriter, r *http.Request) {
	c, ok := s.Stations.Station(chi.URLParam(r, "stationId"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	logger := s.Logger.With(zap.String("station_id", c.ID()), zap.String("remote", r.RemoteAddr))
	logger.Debug("ws client connected")

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go startReader(conn, done)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		// Taken before the snapshot so a change racing the write is not missed.
		changed := c.Changed()
		if err := sendSnapshot(conn, c); err != nil {
			logger.Debug("ws write failed", zap.Error(err))
			return
		}

		if !s.awaitChange(conn, changed, done, ping, r, logger) {
			return
		}
	}
}

// awaitChange keeps the connection alive with pings until the next state
// change; false means the client is gone.
func (s *Server) awaitChange(conn *websocket.Conn, changed <-chan struct{}, done <-chan struct{}, ping *time.Ticker, r *http.Request, logger *zap.Logger) bool {
	for {
		select {
		case <-changed:
			return true
		case <-done:
			logger.Debug("ws client disconnected")
			return false
		case <-r.Context().Done():
			return false
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("ws ping failed", zap.Error(err))
				return false
			}
		}
	}
}

func startReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func sendSnapshot(conn *websocket.Conn, c *station.Controller) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(wsEnvelope{Type: "snapshot", Data: c.Snapshot()})
}
