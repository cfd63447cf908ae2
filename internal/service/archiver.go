package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/septivank/ev-station-sync/internal/db"
	"github.com/septivank/ev-station-sync/internal/metrics"
	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/internal/mq"
	"github.com/septivank/ev-station-sync/internal/station"
	"github.com/smallnest/chanx"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SessionArchive stores completed sessions durably
type SessionArchive interface {
	UpsertSession(ctx context.Context, s *db.ArchivedSession) (bool, error)
}

// EventPublisher fans station events out to other services
type EventPublisher interface {
	PublishSessionCompleted(ctx context.Context, event mq.SessionCompletedEvent) error
	PublishAlarm(ctx context.Context, event mq.AlarmEvent) error
}

type job struct {
	session *station.CompletedSession
	alarm   *station.Alarm
}

// Archiver receives station events, archives completed sessions and
// publishes every event. It never blocks the station controllers: events are
// queued and handled by a single worker that retries failed writes.
type Archiver struct {
	archive    SessionArchive
	publisher  EventPublisher
	logger     *zap.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	queue  *chanx.UnboundedChan[job]
	done   chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// ArchiverOption customizes an Archiver
type ArchiverOption func(*Archiver)

// WithBackOff replaces the retry policy used for archive and publish calls
func WithBackOff(newBackOff func() backoff.BackOff) ArchiverOption {
	return func(a *Archiver) {
		a.newBackOff = newBackOff
	}
}

// WithClock replaces the clock used to stamp archive records
func WithClock(now func() time.Time) ArchiverOption {
	return func(a *Archiver) {
		a.now = now
	}
}

// NewArchiver creates an archiver. Call Start to begin processing.
func NewArchiver(archive SessionArchive, publisher EventPublisher, logger *zap.Logger, opts ...ArchiverOption) *Archiver {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Archiver{
		archive:   archive,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(200*time.Millisecond),
				backoff.WithMaxInterval(5*time.Second),
				backoff.WithMaxElapsedTime(time.Minute),
			)
		},
		ctx:    ctx,
		cancel: cancel,
		queue:  chanx.NewUnboundedChan[job](context.Background(), 16),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SessionCompleted implements station.EventSink
func (a *Archiver) SessionCompleted(event station.CompletedSession) {
	a.enqueue(job{session: &event})
}

// AlarmRaised implements station.EventSink
func (a *Archiver) AlarmRaised(alarm station.Alarm) {
	a.enqueue(job{alarm: &alarm})
}

// Start launches the worker
func (a *Archiver) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed {
		return
	}
	a.started = true
	go a.run()
}

// Stop refuses new events and waits for queued ones to drain. When ctx ends
// first, in-flight retries are abandoned.
func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	close(a.queue.In)
	a.mu.Unlock()

	if !started {
		a.cancel()
		return nil
	}

	select {
	case <-a.done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-a.done
		return ctx.Err()
	}
}

// RegisterLifecycle registers the archiver with Fx lifecycle
func (a *Archiver) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			a.Start()
			a.logger.Info("session archiver started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := a.Stop(ctx); err != nil {
				a.logger.Warn("session archiver stopped before draining", zap.Error(err))
				return nil
			}
			a.logger.Info("session archiver stopped")
			return nil
		},
	})
}

func (a *Archiver) enqueue(j job) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		metrics.ArchivedSessions.WithLabelValues("dropped").Inc()
		a.logger.Warn("archiver stopped, dropping event")
		return
	}
	a.queue.In <- j
}

func (a *Archiver) run() {
	defer close(a.done)
	for j := range a.queue.Out {
		switch {
		case j.session != nil:
			a.handleSession(*j.session)
		case j.alarm != nil:
			a.handleAlarm(*j.alarm)
		}
	}
}

func (a *Archiver) handleSession(event station.CompletedSession) {
	logger := a.logger.With(
		zap.String("session_id", event.Session.SessionID),
		zap.String("station_id", event.StationID),
		zap.String("port", event.Port),
	)

	record := a.record(event)
	inserted, err := backoff.RetryNotifyWithData(func() (bool, error) {
		return a.archive.UpsertSession(a.ctx, record)
	}, a.policy(), func(err error, next time.Duration) {
		logger.Warn("archive write failed, retrying", zap.Error(err), zap.Duration("next", next))
	})
	switch {
	case err != nil:
		metrics.ArchivedSessions.WithLabelValues("failed").Inc()
		logger.Error("failed to archive session", zap.Error(err))
	case inserted:
		metrics.ArchivedSessions.WithLabelValues("archived").Inc()
		logger.Info("session archived",
			zap.Float64("energy_kwh", record.EnergyKwh),
			zap.Float64("cost_vnd", record.CostVnd),
		)
	default:
		metrics.ArchivedSessions.WithLabelValues("duplicate").Inc()
		logger.Debug("session already archived")
	}

	if a.publisher == nil {
		return
	}
	out := sessionEvent(event, a.now())
	err = backoff.RetryNotify(func() error {
		return a.publisher.PublishSessionCompleted(a.ctx, out)
	}, a.policy(), func(err error, next time.Duration) {
		logger.Warn("session event publish failed, retrying", zap.Error(err), zap.Duration("next", next))
	})
	if err != nil {
		logger.Error("failed to publish session completed event", zap.Error(err))
	}
}

func (a *Archiver) handleAlarm(alarm station.Alarm) {
	if a.publisher == nil {
		return
	}
	out := mq.AlarmEvent{
		StationID: alarm.StationID,
		Port:      alarm.Port,
		Kind:      alarm.Kind,
		Reason:    alarm.Reason,
		Value:     alarm.Value,
		RaisedAt:  alarm.RaisedAt.UTC().Format(time.RFC3339),
	}
	err := backoff.Retry(func() error {
		return a.publisher.PublishAlarm(a.ctx, out)
	}, a.policy())
	if err != nil {
		a.logger.Error("failed to publish alarm event",
			zap.Error(err),
			zap.String("station_id", alarm.StationID),
			zap.String("kind", alarm.Kind),
		)
	}
}

func (a *Archiver) policy() backoff.BackOff {
	return backoff.WithContext(a.newBackOff(), a.ctx)
}

func (a *Archiver) record(event station.CompletedSession) *db.ArchivedSession {
	s := event.Session
	m := event.Metrics

	payload, err := json.Marshal(s)
	if err != nil {
		a.logger.Warn("failed to encode session payload", zap.Error(err))
	}

	return &db.ArchivedSession{
		SessionID:  s.SessionID,
		StationID:  event.StationID,
		Port:       event.Port,
		CardID:     s.CardID,
		UserID:     model.String(event.UserID),
		UserName:   event.UserName,
		StartedAt:  millisToTime(m.StartMs),
		StoppedAt:  millisToTime(m.StopMs),
		StartRaw:   s.StartRaw,
		StopRaw:    s.StopRaw,
		DurationMs: m.DurationMs,
		EnergyKwh:  m.EnergyKwh,
		CostVnd:    m.CostVnd,
		Reason:     s.Reason,
		RawPayload: payload,
		ArchivedAt: a.now().UTC(),
	}
}

func sessionEvent(event station.CompletedSession, now time.Time) mq.SessionCompletedEvent {
	out := mq.SessionCompletedEvent{
		SessionID:   event.Session.SessionID,
		StationID:   event.StationID,
		Port:        event.Port,
		UserID:      event.UserID,
		UserName:    event.UserName,
		DurationMs:  event.Metrics.DurationMs,
		EnergyKwh:   event.Metrics.EnergyKwh,
		CostVnd:     event.Metrics.CostVnd,
		CompletedAt: now.UTC().Format(time.RFC3339),
	}
	if event.Session.CardID != nil {
		out.CardID = *event.Session.CardID
	}
	if event.Session.Reason != nil {
		out.Reason = *event.Session.Reason
	}
	if t := millisToTime(event.Metrics.StartMs); t != nil {
		out.StartedAt = t.Format(time.RFC3339)
	}
	if t := millisToTime(event.Metrics.StopMs); t != nil {
		out.StoppedAt = t.Format(time.RFC3339)
	}
	return out
}

func millisToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
