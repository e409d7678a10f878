package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/meter-sync-worker/internal/collector"
	"github.com/septivank/meter-sync-worker/internal/collector/device"
	"github.com/septivank/meter-sync-worker/internal/config"
	"github.com/septivank/meter-sync-worker/internal/db"
	"github.com/septivank/meter-sync-worker/internal/mq"
	"github.com/septivank/meter-sync-worker/internal/ops"
	"github.com/septivank/meter-sync-worker/internal/remote"
	"github.com/septivank/meter-sync-worker/internal/store"
	"github.com/septivank/meter-sync-worker/internal/supervisor"
	"github.com/septivank/meter-sync-worker/internal/syncer"
	"github.com/septivank/meter-sync-worker/internal/uploader"
	"github.com/septivank/meter-sync-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideDBPool creates the local buffer database pool
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.MaxConns)
}

// ProvideStore creates the persistence layer over the buffer database
func ProvideStore(pool *pgxpool.Pool) store.SyncStore {
	return store.NewPostgresStore(pool)
}

// ProvideValidationPipeline creates the data-quality pipeline
func ProvideValidationPipeline(cfg *config.Config) *validator.Pipeline {
	return validator.NewPipeline(validator.Config{
		Enabled:         cfg.Validation.Enabled,
		StrictMode:      cfg.Validation.StrictMode,
		RejectMockData:  cfg.Validation.RejectMockData,
		MaxReadingAge:   cfg.Validation.MaxReadingAge,
		FutureTolerance: cfg.Validation.FutureTolerance,
		MinInterval:     cfg.Validation.MinInterval,
		MaxGap:          cfg.Validation.MaxGap,
	})
}

// ProvideRemoteClient creates the Client System HTTP client
func ProvideRemoteClient(cfg *config.Config, logger *zap.Logger) remote.Client {
	return remote.NewHTTPClient(
		cfg.Remote.BaseURL,
		cfg.Remote.APIKey,
		cfg.Remote.RequestTimeout,
		cfg.Remote.MaxElapsedTime,
		logger,
	)
}

// ProvideMQConnection creates the RabbitMQ connection
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the event publisher
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventExchange, logger)
}

// ProvideUploadManager creates the upload cycle manager
func ProvideUploadManager(
	st store.SyncStore,
	pipeline *validator.Pipeline,
	rc remote.Client,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *uploader.Manager {
	return uploader.NewManager(st, pipeline, rc, publisher, uploader.Config{
		BatchLimit:         cfg.Upload.BatchLimit,
		MinValidRate:       cfg.Validation.MinValidRate,
		MockAlertThreshold: cfg.Validation.MockAlertThreshold,
		RetentionHours:     cfg.Upload.RetentionHours,
		ReportHistory:      cfg.Upload.ReportHistory,
		EventRoutingKey:    cfg.RabbitMQ.EventRoutingKey,
		AlertRoutingKey:    cfg.RabbitMQ.AlertRoutingKey,
	}, logger)
}

// ProvideSyncOrchestrator creates the configuration reconciliation engine
func ProvideSyncOrchestrator(st store.SyncStore, rc remote.Client, cfg *config.Config, logger *zap.Logger) *syncer.Orchestrator {
	return syncer.NewOrchestrator(st, rc, syncer.Config{
		EnableMeterDeletes:    cfg.Sync.EnableMeterDeletes,
		EnableRegisterDeletes: cfg.Sync.EnableRegisterDeletes,
	}, logger)
}

// ProvideDeviceClient creates the field device client
func ProvideDeviceClient(cfg *config.Config, logger *zap.Logger) device.Client {
	if cfg.Collector.UseFakeDevice {
		logger.Warn("using fake device client, no real hardware will be polled")
		return device.NewFake(nil)
	}
	return device.NewHTTPClient(cfg.Collector.DeviceTimeout)
}

// ProvideCollectionWorker creates the device polling worker
func ProvideCollectionWorker(st store.SyncStore, dev device.Client, cfg *config.Config, logger *zap.Logger) *collector.Worker {
	return collector.NewWorker(st, dev, collector.Config{
		PollInterval:         cfg.Collector.PollInterval,
		CommandTimeout:       cfg.Collector.CommandTimeout,
		MaxConsecutiveErrors: cfg.Collector.MaxConsecutiveErrors,
	}, logger)
}

// ProvideSupervisor creates the worker supervisor
func ProvideSupervisor(worker *collector.Worker, publisher *mq.Publisher, cfg *config.Config, logger *zap.Logger) *supervisor.Supervisor {
	return supervisor.New(worker, cfg.Supervisor, publisher, cfg.ServiceName, cfg.RabbitMQ.AlertRoutingKey, logger)
}

// ProvideOpsHandler creates the ops endpoint handler
func ProvideOpsHandler(
	worker *collector.Worker,
	sup *supervisor.Supervisor,
	uploads *uploader.Manager,
	configs *syncer.Orchestrator,
	st store.SyncStore,
	logger *zap.Logger,
) *ops.Handler {
	return ops.NewHandler(worker, sup, uploads, configs, st, logger)
}

// ProvideOpsRouter creates the ops HTTP router
func ProvideOpsRouter(h *ops.Handler) *gin.Engine {
	return ops.NewRouter(h)
}

// startSupervisor launches the worker under supervision and enables
// collection once the loop is live.
func startSupervisor(lc fx.Lifecycle, sup *supervisor.Supervisor, worker *collector.Worker, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sup.Start(ctx); err != nil {
				return err
			}
			if _, err := worker.Dispatch(ctx, collector.CmdStartCollection, nil); err != nil {
				logger.Error("failed to enable collection", zap.Error(err))
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sup.Stop(ctx)
		},
	})
}

// startSchedulers runs the periodic upload, reconciliation and retention
// cycles.
func startSchedulers(
	lc fx.Lifecycle,
	uploads *uploader.Manager,
	configs *syncer.Orchestrator,
	cfg *config.Config,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)

				// One reconciliation up front so collection starts with a
				// current meter inventory.
				if _, err := configs.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("initial configuration sync failed", zap.Error(err))
				}

				uploadTicker := time.NewTicker(cfg.Upload.Interval)
				syncTicker := time.NewTicker(cfg.Sync.Interval)
				retentionTicker := time.NewTicker(time.Hour)
				defer uploadTicker.Stop()
				defer syncTicker.Stop()
				defer retentionTicker.Stop()

				for {
					select {
					case <-ctx.Done():
						return
					case <-uploadTicker.C:
						if _, err := uploads.RunCycle(ctx); err != nil && !errors.Is(err, uploader.ErrCycleInProgress) {
							logger.Error("scheduled upload cycle failed", zap.Error(err))
						}
					case <-syncTicker.C:
						if _, err := configs.RunCycle(ctx); err != nil && !errors.Is(err, syncer.ErrSyncInProgress) {
							logger.Error("scheduled configuration sync failed", zap.Error(err))
						}
					case <-retentionTicker.C:
						if _, err := uploads.RunRetention(ctx); err != nil {
							logger.Error("retention sweep failed", zap.Error(err))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// configChangedMessage is the push notification the Client System sends when
// configuration entities change.
type configChangedMessage struct {
	TenantID string `json:"tenant_id"`
	Entity   string `json:"entity"`
	ChangeID string `json:"change_id"`
}

// startConfigConsumer subscribes to configuration change pushes and triggers
// an out-of-schedule reconciliation for each one.
func startConfigConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	configs *syncer.Orchestrator,
	cfg *config.Config,
	logger *zap.Logger,
) error {
	if !cfg.RabbitMQ.ConsumeConfigPush {
		logger.Info("configuration push consumption disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.ConfigQueue,
		DLQQueue:      cfg.RabbitMQ.ConfigDLQQueue,
		Exchange:      cfg.RabbitMQ.ConfigExchange,
		RoutingKey:    cfg.RabbitMQ.ConfigRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler: func(msgCtx context.Context, body []byte) error {
			var msg configChangedMessage
			if err := json.Unmarshal(body, &msg); err != nil {
				return err
			}
			logger.Info("configuration change pushed, triggering sync",
				zap.String("entity", msg.Entity),
				zap.String("tenant_id", msg.TenantID),
				zap.String("change_id", msg.ChangeID))

			// A cycle already in flight will pick up the change; nothing to
			// redo, so the message is acknowledged.
			if _, err := configs.RunCycle(msgCtx); err != nil && !errors.Is(err, syncer.ErrSyncInProgress) {
				return err
			}
			return nil
		},
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting configuration push consumer",
				zap.String("queue", cfg.RabbitMQ.ConfigQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("configuration push consumer stopped")
			return nil
		},
	})

	return nil
}

// startOpsServer exposes the ops HTTP surface.
func startOpsServer(lc fx.Lifecycle, router *gin.Engine, cfg *config.Config, logger *zap.Logger) *http.Server {
	return ops.NewServer(lc, router, cfg.ServicePort, logger)
}
