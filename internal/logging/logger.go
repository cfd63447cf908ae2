package logging

import (
	"go.uber.org/zap"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithRequestID returns a logger with request_id field
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// WithStation returns a logger scoped to one station
func WithStation(logger *zap.Logger, stationID string) *zap.Logger {
	return logger.With(zap.String("station_id", stationID))
}

// WithPort returns a logger scoped to one port of a station
func WithPort(logger *zap.Logger, stationID, port string) *zap.Logger {
	return logger.With(zap.String("station_id", stationID), zap.String("port", port))
}
