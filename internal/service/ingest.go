package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/ev-station-sync/internal/logging"
	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/internal/rtdb"
	"github.com/septivank/ev-station-sync/internal/validator"
	"go.uber.org/zap"
)

// ErrInvalidFrame marks a device frame that was rejected without touching the store
var ErrInvalidFrame = errors.New("invalid device frame")

// DeviceFrame is a batch of store writes reported by a station controller board
type DeviceFrame struct {
	RequestID  string                     `json:"request_id"`
	StationID  string                     `json:"station_id,omitempty"`
	ReceivedAt time.Time                  `json:"received_at"`
	Updates    map[string]json.RawMessage `json:"updates"`
}

// IngestService applies device frames consumed from RabbitMQ to the realtime store
type IngestService struct {
	store     rtdb.Store
	validator *validator.Validator
	logger    *zap.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(store rtdb.Store, validator *validator.Validator, logger *zap.Logger) *IngestService {
	return &IngestService{
		store:     store,
		validator: validator,
		logger:    logger,
	}
}

// ProcessMessage validates a device frame and writes all of its updates in
// one atomic store update. Routing keys of the form station.{id}.* restrict
// the frame to that station.
func (s *IngestService) ProcessMessage(ctx context.Context, routingKey string, body []byte) error {
	var frame DeviceFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return fmt.Errorf("%w: failed to unmarshal message: %v", ErrInvalidFrame, err)
	}
	if frame.RequestID == "" {
		frame.RequestID = uuid.NewString()
	}

	reqLogger := logging.WithRequestID(s.logger, frame.RequestID)

	stationID, err := frameStation(routingKey, frame.StationID)
	if err != nil {
		return err
	}
	if len(frame.Updates) == 0 {
		return fmt.Errorf("%w: frame carries no updates", ErrInvalidFrame)
	}

	values := make(map[string]any, len(frame.Updates))
	for path, raw := range frame.Updates {
		path = strings.Trim(path, "/")
		value, err := s.validateUpdate(stationID, path, raw)
		if err != nil {
			reqLogger.Warn("rejecting device frame",
				zap.String("path", path),
				zap.Error(err),
			)
			return err
		}
		values[path] = value
	}

	if err := s.store.Authenticate(ctx); err != nil {
		return fmt.Errorf("failed to authenticate store: %w", err)
	}
	if err := s.store.Update(ctx, values); err != nil {
		reqLogger.Error("failed to apply device frame", zap.Error(err))
		return fmt.Errorf("failed to apply device frame: %w", err)
	}

	reqLogger.Debug("device frame applied",
		zap.String("station_id", stationID),
		zap.Int("updates", len(values)),
	)
	return nil
}

// validateUpdate checks that path is a device-writable record and that raw
// decodes as that record. The returned value is what gets written; nil deletes.
func (s *IngestService) validateUpdate(stationID, path string, raw json.RawMessage) (any, error) {
	segs := strings.Split(path, "/")

	var decodeErr error
	switch {
	case len(segs) == 3 && segs[0] == model.StationsPath && segs[2] == "env":
		if err := sameStation(stationID, segs[1]); err != nil {
			return nil, err
		}
		_, decodeErr = s.validator.DecodeEnvironment(raw)
	case len(segs) == 5 && segs[0] == model.StationsPath && segs[2] == "ports" && segs[4] == "pzem":
		if err := sameStation(stationID, segs[1]); err != nil {
			return nil, err
		}
		_, decodeErr = s.validator.DecodePowerReading(raw)
	case len(segs) == 5 && segs[0] == model.StationsPath && segs[2] == "ports" && segs[4] == "status":
		if err := sameStation(stationID, segs[1]); err != nil {
			return nil, err
		}
		_, decodeErr = s.validator.DecodePortStatus(raw)
	case len(segs) == 2 && segs[0] == model.SessionsPath:
		var session *model.ChargingSession
		session, decodeErr = s.validator.DecodeSession(segs[1], raw)
		if decodeErr == nil && session != nil && session.StationID != "" {
			if err := sameStation(stationID, session.StationID); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: path %q is not device writable", ErrInvalidFrame, path)
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFrame, path, decodeErr)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func frameStation(routingKey, declared string) (string, error) {
	var fromKey string
	if parts := strings.Split(routingKey, "."); len(parts) >= 2 && parts[0] == "station" {
		fromKey = parts[1]
	}
	switch {
	case fromKey == "":
		return declared, nil
	case declared == "" || declared == fromKey:
		return fromKey, nil
	default:
		return "", fmt.Errorf("%w: station %q does not match routing key %q", ErrInvalidFrame, declared, routingKey)
	}
}

func sameStation(want, got string) error {
	if want != "" && want != got {
		return fmt.Errorf("%w: write to station %q from station %q", ErrInvalidFrame, got, want)
	}
	return nil
}
