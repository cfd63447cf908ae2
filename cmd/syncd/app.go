package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/septivank/ev-station-sync/internal/aggregator"
	"github.com/septivank/ev-station-sync/internal/anomaly"
	"github.com/septivank/ev-station-sync/internal/config"
	"github.com/septivank/ev-station-sync/internal/db"
	"github.com/septivank/ev-station-sync/internal/httpapi"
	"github.com/septivank/ev-station-sync/internal/model"
	"github.com/septivank/ev-station-sync/internal/mq"
	"github.com/septivank/ev-station-sync/internal/repository"
	"github.com/septivank/ev-station-sync/internal/rtdb"
	"github.com/septivank/ev-station-sync/internal/service"
	"github.com/septivank/ev-station-sync/internal/station"
	"github.com/septivank/ev-station-sync/internal/validator"
	"github.com/septivank/ev-station-sync/tools/timeparser"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func ensureArchiveSchema(lc fx.Lifecycle, repo *repository.Repository, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := repo.EnsureSchema(ctx); err != nil {
				return err
			}
			logger.Info("archive schema ready")
			return nil
		},
	})
}

func startArchiver(lc fx.Lifecycle, archiver *service.Archiver) {
	archiver.RegisterLifecycle(lc)
}

func startStations(lc fx.Lifecycle, manager *station.Manager) {
	manager.RegisterLifecycle(lc)
}

func startIngest(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	ingest *service.IngestService,
) (*mq.Consumer, error) {
	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		BindingKeys:   mq.StationBindingKeys(cfg.Stations.IDs),
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       ingest.ProcessMessage,
	})
	if err != nil {
		return nil, err
	}

	consumer.RegisterLifecycle(lc)
	return consumer, nil
}

func startHTTP(lc fx.Lifecycle, cfg *config.Config, server *httpapi.Server, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServicePort),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.MaxConns)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(mq.PublisherConfig{
		Connection:        conn,
		Exchange:          cfg.RabbitMQ.EventsExchange,
		SessionRoutingKey: cfg.RabbitMQ.SessionRoutingKey,
		AlarmRoutingKey:   cfg.RabbitMQ.AlarmRoutingKey,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideStore creates the realtime store the stations subscribe to
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger) rtdb.Store {
	store := rtdb.NewMemory(logger.Named("rtdb"))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return store.Authenticate(ctx)
		},
		OnStop: func(ctx context.Context) error {
			store.Close()
			return nil
		},
	})
	return store
}

// ProvideValidator creates a new validator instance
func ProvideValidator() *validator.Validator {
	return validator.NewValidator()
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideResolver creates the timestamp resolver
func ProvideResolver(cfg *config.Config) *timeparser.Resolver {
	return timeparser.NewResolver(time.Now, cfg.Timestamps.MinEpoch, cfg.Timestamps.ToleranceMinutes, cfg.Timestamps.Location())
}

// ProvideDefaultSettings returns the settings used until the record arrives
func ProvideDefaultSettings(cfg *config.Config) model.Settings {
	return model.Settings{
		PriceVndPerKwh:        cfg.Billing.DefaultPriceVndPerKwh,
		TemperatureThresholdC: cfg.Billing.DefaultTempThresholdC,
	}
}

// ProvideAggregator creates the session aggregator
func ProvideAggregator(resolver *timeparser.Resolver, defaults model.Settings) *aggregator.Aggregator {
	return aggregator.NewAggregator(resolver, defaults)
}

// ProvideArchiver creates the session archiver
func ProvideArchiver(repo *repository.Repository, publisher *mq.Publisher, logger *zap.Logger) *service.Archiver {
	return service.NewArchiver(repo, publisher, logger.Named("archiver"))
}

// ProvideStationManager creates one controller per configured station
func ProvideStationManager(
	cfg *config.Config,
	store rtdb.Store,
	validator *validator.Validator,
	aggregator *aggregator.Aggregator,
	detector *anomaly.Detector,
	archiver *service.Archiver,
	defaults model.Settings,
	logger *zap.Logger,
) *station.Manager {
	return station.NewManager(cfg.Stations.IDs, cfg.Stations.Ports, station.ControllerConfig{
		Store:      store,
		Validator:  validator,
		Aggregator: aggregator,
		Detector:   detector,
		Sink:       archiver,
		Defaults:   defaults,
		Logger:     logger,
	})
}

// ProvideIngestService creates the device frame ingest service
func ProvideIngestService(store rtdb.Store, validator *validator.Validator, logger *zap.Logger) *service.IngestService {
	return service.NewIngestService(store, validator, logger)
}

// ProvideAdminService creates the admin service
func ProvideAdminService(
	store rtdb.Store,
	validator *validator.Validator,
	aggregator *aggregator.Aggregator,
	defaults model.Settings,
	logger *zap.Logger,
) *service.AdminService {
	return service.NewAdminService(store, validator, aggregator, defaults, logger)
}

// ProvideHTTPServer creates the HTTP API server
func ProvideHTTPServer(
	cfg *config.Config,
	manager *station.Manager,
	admin *service.AdminService,
	repo *repository.Repository,
	conn *mq.Connection,
	logger *zap.Logger,
) *httpapi.Server {
	checks := map[string]httpapi.HealthCheck{
		"database": repo.Ping,
		"rabbitmq": func(ctx context.Context) error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		},
		"stations": func(ctx context.Context) error {
			for _, s := range manager.Snapshots() {
				if !s.Running {
					return fmt.Errorf("station %s is not running", s.StationID)
				}
			}
			return nil
		},
	}
	return httpapi.NewServer(manager, admin, repo, checks, cfg.AdminAPIKey, logger.Named("http"))
}
