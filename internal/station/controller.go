package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/septivank/ev-station-sync/internal/aggregator"
	"github.com/septivank/ev-station-sync/internal/anomaly"
	"github.com/septivank/ev-station-sync/internal/logging"
	"github.com/septivank/ev-station-sync/internal/metrics"
	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/internal/rtdb"
	"github.com/septivank/ev-station-sync/internal/subscription"
	"github.com/septivank/ev-station-sync/internal/validator"
	"go.uber.org/zap"
)

// ErrStopped is returned by Start when Stop was called before the store
// handshake completed.
var ErrStopped = errors.New("station stopped during start")

// ControllerConfig holds controller dependencies
type ControllerConfig struct {
	StationID  string
	Ports      []string
	Store      rtdb.Store
	Opener     subscription.Opener
	Validator  *validator.Validator
	Aggregator *aggregator.Aggregator
	Detector   *anomaly.Detector
	Sink       EventSink
	Defaults   model.Settings
	Logger     *zap.Logger
}

type portState struct {
	name        string
	chain       *subscription.Chain
	pzemCancel  subscription.CancelFunc
	power       *model.PowerReading
	powerSeries []float64
	spikeReason string
	spikeValue  float64
}

// Controller keeps the live state of one station: the environment sensor,
// the settings record and, per port, the meter plus the status chain.
type Controller struct {
	id        string
	store     rtdb.Store
	open      subscription.Opener
	validator *validator.Validator
	agg       *aggregator.Aggregator
	detector  *anomaly.Detector
	sink      EventSink
	defaults  model.Settings
	logger    *zap.Logger
	kick      chan struct{}

	mu             sync.Mutex
	epoch          uint64
	starting       bool
	running        bool
	stopLoop       context.CancelFunc
	envCancel      subscription.CancelFunc
	settingsCancel subscription.CancelFunc
	env            *model.EnvironmentReading
	settings       *model.Settings
	settingsSeen   bool
	ports          []*portState
	emitted        map[string]bool
	alarmed        map[string]time.Time

	notifyMu sync.Mutex
	changed  chan struct{}
}

// NewController creates a stopped controller
func NewController(cfg ControllerConfig) *Controller {
	open := cfg.Opener
	if open == nil {
		open = subscription.NewOpener(cfg.Store)
	}
	c := &Controller{
		id:        cfg.StationID,
		store:     cfg.Store,
		open:      open,
		validator: cfg.Validator,
		agg:       cfg.Aggregator,
		detector:  cfg.Detector,
		sink:      cfg.Sink,
		defaults:  cfg.Defaults,
		logger:    logging.WithStation(cfg.Logger, cfg.StationID),
		kick:      make(chan struct{}, 1),
		emitted:   map[string]bool{},
		alarmed:   map[string]time.Time{},
		changed:   make(chan struct{}),
	}
	for _, name := range cfg.Ports {
		p := &portState{name: name}
		p.chain = subscription.NewChain(
			cfg.StationID+"/"+name,
			portLevels(cfg.StationID, name, cfg.Validator),
			open,
			logging.WithPort(cfg.Logger, cfg.StationID, name),
			c.poke,
		)
		c.ports = append(c.ports, p)
	}
	return c
}

// ID returns the station id
func (c *Controller) ID() string {
	return c.id
}

// Start authenticates with the store and opens every link. It is idempotent;
// a Stop issued while the handshake is in flight makes it return ErrStopped
// without opening anything.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running || c.starting {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	if err := c.store.Authenticate(ctx); err != nil {
		c.mu.Lock()
		if c.epoch == epoch {
			c.starting = false
		}
		c.mu.Unlock()
		var se *rtdb.Error
		if !errors.As(err, &se) {
			se = rtdb.NewError(rtdb.KindAuthFailure, "", err)
		}
		c.logger.Error("store authentication failed", zap.Error(se))
		return fmt.Errorf("failed to authenticate station %s: %w", c.id, se)
	}

	c.mu.Lock()
	if c.epoch != epoch || !c.starting {
		c.mu.Unlock()
		c.logger.Info("station stopped during handshake, no links opened")
		return ErrStopped
	}
	c.starting = false
	c.running = true

	loopCtx, stopLoop := context.WithCancel(context.Background())
	c.stopLoop = stopLoop
	go c.run(loopCtx, epoch)

	c.envCancel = c.open(model.EnvPath(c.id),
		func(raw json.RawMessage) { c.handleEnv(epoch, raw) },
		func(err error) { c.handleLinkError(epoch, "env", err, func() { c.env = nil }) },
	)
	c.settingsCancel = c.open(model.SettingsPath,
		func(raw json.RawMessage) { c.handleSettings(epoch, raw) },
		func(err error) {
			c.handleLinkError(epoch, "settings", err, func() { c.settings, c.settingsSeen = nil, true })
		},
	)
	for _, p := range c.ports {
		p := p
		p.pzemCancel = c.open(model.PzemPath(c.id, p.name),
			func(raw json.RawMessage) { c.handlePower(epoch, p, raw) },
			func(err error) { c.handleLinkError(epoch, "pzem", err, func() { p.power = nil }) },
		)
		p.chain.Start()
	}
	c.mu.Unlock()

	metrics.ActiveStations.Inc()
	c.logger.Info("station sync started", zap.Int("ports", len(c.ports)))
	c.poke()
	return nil
}

// Stop cancels every owned link and clears all published state
func (c *Controller) Stop() {
	c.mu.Lock()
	c.epoch++
	wasRunning := c.running
	c.running = false
	c.starting = false

	if c.envCancel != nil {
		c.envCancel()
		c.envCancel = nil
	}
	if c.settingsCancel != nil {
		c.settingsCancel()
		c.settingsCancel = nil
	}
	for _, p := range c.ports {
		if p.pzemCancel != nil {
			p.pzemCancel()
			p.pzemCancel = nil
		}
		p.chain.Stop()
		p.power = nil
		p.powerSeries = nil
		p.spikeReason = ""
	}
	c.env = nil
	c.settings = nil
	c.settingsSeen = false
	c.emitted = map[string]bool{}
	c.alarmed = map[string]time.Time{}

	stopLoop := c.stopLoop
	c.stopLoop = nil
	c.mu.Unlock()

	if stopLoop != nil {
		stopLoop()
	}
	if wasRunning {
		metrics.ActiveStations.Dec()
		c.logger.Info("station sync stopped")
	}
	c.broadcast()
}

// Running reports whether the controller has live links
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Changed returns a channel that is closed at the next state change
func (c *Controller) Changed() <-chan struct{} {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	return c.changed
}

func (c *Controller) handleEnv(epoch uint64, raw json.RawMessage) {
	env, err := c.validator.DecodeEnvironment(raw)
	if err != nil {
		metrics.MalformedPayloads.WithLabelValues("env").Inc()
		c.logger.Warn("malformed environment payload", zap.Error(err))
	}
	if !c.apply(epoch, func() { c.env = normalize(env) }) {
		return
	}
	metrics.Pushes.WithLabelValues("env").Inc()
}

func (c *Controller) handleSettings(epoch uint64, raw json.RawMessage) {
	settings, err := c.validator.DecodeSettings(raw, c.defaults)
	if err != nil {
		metrics.MalformedPayloads.WithLabelValues("settings").Inc()
		c.logger.Warn("malformed settings payload", zap.Error(err))
	}
	if !c.apply(epoch, func() { c.settings, c.settingsSeen = settings, true }) {
		return
	}
	metrics.Pushes.WithLabelValues("settings").Inc()
}

func (c *Controller) handlePower(epoch uint64, p *portState, raw json.RawMessage) {
	reading, err := c.validator.DecodePowerReading(raw)
	if err != nil {
		metrics.MalformedPayloads.WithLabelValues("pzem").Inc()
		c.logger.Warn("malformed meter payload", zap.String("port", p.name), zap.Error(err))
	}
	applied := c.apply(epoch, func() {
		p.power = reading
		if reading == nil {
			return
		}
		spike, reason := c.detector.DetectAnomaly(reading.PowerW, p.powerSeries)
		if spike {
			p.spikeReason, p.spikeValue = reason, reading.PowerW
		} else {
			p.spikeReason = ""
		}
		p.powerSeries = append(p.powerSeries, reading.PowerW)
		if n := c.detector.HistorySize(); len(p.powerSeries) > n {
			p.powerSeries = p.powerSeries[len(p.powerSeries)-n:]
		}
	})
	if applied {
		metrics.Pushes.WithLabelValues("pzem").Inc()
	}
}

func (c *Controller) handleLinkError(epoch uint64, level string, err error, clear func()) {
	kind := rtdb.KindOf(err)
	if !c.apply(epoch, clear) {
		return
	}
	metrics.LinkErrors.WithLabelValues(string(kind)).Inc()
	c.logger.Warn("link error, publishing null",
		zap.String("level", level),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
}

// apply runs mutate under the lock unless the controller has been stopped or
// restarted since the link was opened.
func (c *Controller) apply(epoch uint64, mutate func()) bool {
	c.mu.Lock()
	if !c.running || c.epoch != epoch {
		c.mu.Unlock()
		metrics.StalePushes.Inc()
		return false
	}
	mutate()
	c.mu.Unlock()
	c.poke()
	return true
}

// poke schedules a reaction pass without blocking the caller
func (c *Controller) poke() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) run(ctx context.Context, epoch uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			c.react(epoch)
		}
	}
}

// react notifies watchers and emits events for newly completed sessions and
// newly raised alarms. A completed session is held back until its port is
// resolved; readiness is read before the snapshot so the snapshot is never
// older than the links it was judged by.
func (c *Controller) react(epoch uint64) {
	ready := c.resolved()
	snap := c.Snapshot()

	c.mu.Lock()
	if !c.running || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	var completed []CompletedSession
	for i, p := range snap.Ports {
		if p.Session == nil || !p.Session.Complete() || c.emitted[p.Session.SessionID] {
			continue
		}
		if i >= len(ready) || !ready[i] {
			c.logger.Debug("completed session waiting on card and user links",
				zap.String("port", p.Port),
				zap.String("session_id", p.Session.SessionID),
			)
			continue
		}
		c.emitted[p.Session.SessionID] = true
		event := CompletedSession{
			StationID: c.id,
			Port:      p.Port,
			Session:   *p.Session,
			UserName:  p.UserName,
			Metrics:   p.Metrics,
		}
		if p.UserID != nil {
			event.UserID = *p.UserID
		}
		completed = append(completed, event)
	}
	var raised []Alarm
	active := make(map[string]time.Time, len(snap.Alarms))
	for _, a := range snap.Alarms {
		if at, ok := c.alarmed[a.key()]; ok {
			active[a.key()] = at
			continue
		}
		active[a.key()] = a.RaisedAt
		raised = append(raised, a)
	}
	c.alarmed = active
	c.mu.Unlock()

	c.broadcast()

	for _, event := range completed {
		c.logger.Info("session completed",
			zap.String("port", event.Port),
			zap.String("session_id", event.Session.SessionID),
			zap.Float64("energy_kwh", event.Metrics.EnergyKwh),
			zap.Float64("cost_vnd", event.Metrics.CostVnd),
		)
		if c.sink != nil {
			c.sink.SessionCompleted(event)
		}
	}
	for _, alarm := range raised {
		c.logger.Warn("alarm raised",
			zap.String("kind", alarm.Kind),
			zap.String("port", alarm.Port),
			zap.String("reason", alarm.Reason),
		)
		if c.sink != nil {
			c.sink.AlarmRaised(alarm)
		}
	}
}

// resolved reports, per port, whether the settings record and every link
// below the session have answered, so a completed session can be priced and
// attributed to its user.
func (c *Controller) resolved() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ready := make([]bool, len(c.ports))
	for i, p := range c.ports {
		ready[i] = c.settingsSeen && p.chain.Settled(levelCard)
	}
	return ready
}

func (c *Controller) broadcast() {
	c.notifyMu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.notifyMu.Unlock()
}

func (c *Controller) now() time.Time {
	return time.UnixMilli(c.agg.Resolver().Now())
}
