package main

import (
	"github.com/septivank/ev-station-sync/internal/config"
	"github.com/septivank/ev-station-sync/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
