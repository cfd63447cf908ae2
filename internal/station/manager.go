package station

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager owns one controller per monitored station
type Manager struct {
	controllers map[string]*Controller
	order       []string
	logger      *zap.Logger
}

// NewManager creates a controller for every station id, sharing base as
// the template for store, decoders and sink.
func NewManager(stationIDs, ports []string, base ControllerConfig) *Manager {
	m := &Manager{
		controllers: make(map[string]*Controller, len(stationIDs)),
		logger:      base.Logger,
	}
	for _, id := range stationIDs {
		if _, dup := m.controllers[id]; dup {
			continue
		}
		cfg := base
		cfg.StationID = id
		cfg.Ports = ports
		m.controllers[id] = NewController(cfg)
		m.order = append(m.order, id)
	}
	sort.Strings(m.order)
	return m
}

// Start starts every station concurrently. If any station fails to start,
// all of them are stopped again.
func (m *Manager) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range m.order {
		c := m.controllers[id]
		g.Go(func() error {
			return c.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		m.Stop()
		return fmt.Errorf("failed to start station sync: %w", err)
	}
	m.logger.Info("all stations started", zap.Int("stations", len(m.order)))
	return nil
}

// Stop stops every station
func (m *Manager) Stop() {
	for _, id := range m.order {
		m.controllers[id].Stop()
	}
}

// Station returns the controller for id
func (m *Manager) Station(id string) (*Controller, bool) {
	c, ok := m.controllers[id]
	return c, ok
}

// Snapshots returns every station snapshot ordered by station id
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.controllers[id].Snapshot())
	}
	return out
}

// RegisterLifecycle registers the manager with Fx lifecycle
func (m *Manager) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			m.Stop()
			m.logger.Info("station sync manager stopped")
			return nil
		},
	})
}
