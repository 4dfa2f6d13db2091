package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/consumer"
	"wisefido-telemetry/internal/database"
	"wisefido-telemetry/internal/dispatcher"
	"wisefido-telemetry/internal/evaluator"
	"wisefido-telemetry/internal/ingest"
	"wisefido-telemetry/internal/mqtt"
	"wisefido-telemetry/internal/redisstream"
	"wisefido-telemetry/internal/repository"
	"wisefido-telemetry/internal/secrets"
	"wisefido-telemetry/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// TelemetryService 遥测服务（整合各层）
// 摄入（MQTT + HTTP）→ 认证 → 批量写入 → 评估 → 派发 的完整流水线
type TelemetryService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 存储层
	guard            *store.Guard
	devicesRepo      *repository.DevicesRepository
	telemetryRepo    *repository.TelemetryRepository
	quarantineRepo   *repository.QuarantineRepository
	rulesRepo        *repository.RulesRepository
	tenantsRepo      *repository.TenantsRepository
	alertsRepo       *repository.AlertsRepository
	channelsRepo     *repository.ChannelsRepository
	notificationRepo *repository.NotificationLogRepository

	// 摄入层
	deviceCache     *ingest.DeviceCache
	authenticator   *ingest.Authenticator
	batchWriter     *ingest.BatchWriter
	lastSeenFlusher *ingest.LastSeenFlusher
	mqttConsumer    *consumer.MQTTConsumer
	httpServer      *consumer.HTTPIngestServer

	// 评估与派发层
	engine     *evaluator.Engine
	sweeper    *evaluator.Sweeper
	dispatcher *dispatcher.Dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelemetryService 创建遥测服务
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisstream.NewClient(&cfg.Redis)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	// 4. 渠道密文盒子
	box, err := secrets.NewBox(cfg.Dispatcher.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init channel encryption: %w", err)
	}

	// 5. 创建存储层
	guard := store.NewGuard(db, logger)
	devicesRepo := repository.NewDevicesRepository(guard, logger)
	telemetryRepo := repository.NewTelemetryRepository(guard, logger)
	quarantineRepo := repository.NewQuarantineRepository(guard, logger)
	rulesRepo := repository.NewRulesRepository(guard, logger)
	tenantsRepo := repository.NewTenantsRepository(guard, logger)
	alertsRepo := repository.NewAlertsRepository(guard, logger)
	channelsRepo := repository.NewChannelsRepository(guard, box, logger)
	notificationRepo := repository.NewNotificationLogRepository(guard, logger)

	// 6. 创建摄入层
	deviceCache := ingest.NewDeviceCache(cfg.Ingest.DeviceCacheTTL)
	quarantineWriter := ingest.NewQuarantineWriter(quarantineRepo, redisClient, cfg.Quarantine.Stream, logger)
	authenticator := ingest.NewAuthenticator(
		devicesRepo,
		deviceCache,
		quarantineWriter,
		redisClient,
		cfg.Ingest.SequenceTolerance,
		logger,
	)
	batchWriter := ingest.NewBatchWriter(ingest.BatchWriterConfig{
		BatchSize:     cfg.Ingest.BatchSize,
		BufferCap:     cfg.Ingest.BufferCap,
		FlushInterval: cfg.Ingest.FlushInterval,
		FlushRetries:  cfg.Ingest.FlushRetries,
		FlushBackoff:  cfg.Ingest.FlushBackoff,
		WakeupStream:  cfg.Evaluator.WakeupStream,
	}, telemetryRepo, redisClient, logger)
	lastSeenFlusher := ingest.NewLastSeenFlusher(redisClient, devicesRepo, cfg.Ingest.LastSeenFlushInterval, logger)

	mqttConsumer := consumer.NewMQTTConsumer(cfg, mqttClient, authenticator, batchWriter, logger)
	httpServer := consumer.NewHTTPIngestServer(cfg, authenticator, batchWriter, logger)

	// 7. 创建派发层
	senders := dispatcher.NewSenders(cfg, logger)
	disp := dispatcher.NewDispatcher(cfg, channelsRepo, notificationRepo, rulesRepo, devicesRepo, senders, logger)

	// 8. 创建评估层
	engine := evaluator.NewEngine(
		cfg,
		tenantsRepo,
		rulesRepo,
		devicesRepo,
		telemetryRepo,
		alertsRepo,
		disp,
		redisClient,
		logger,
	)
	sweeper := evaluator.NewSweeper(cfg, tenantsRepo, alertsRepo, disp, logger)

	return &TelemetryService{
		config:           cfg,
		db:               db,
		redisClient:      redisClient,
		mqttClient:       mqttClient,
		logger:           logger,
		guard:            guard,
		devicesRepo:      devicesRepo,
		telemetryRepo:    telemetryRepo,
		quarantineRepo:   quarantineRepo,
		rulesRepo:        rulesRepo,
		tenantsRepo:      tenantsRepo,
		alertsRepo:       alertsRepo,
		channelsRepo:     channelsRepo,
		notificationRepo: notificationRepo,
		deviceCache:      deviceCache,
		authenticator:    authenticator,
		batchWriter:      batchWriter,
		lastSeenFlusher:  lastSeenFlusher,
		mqttConsumer:     mqttConsumer,
		httpServer:       httpServer,
		engine:           engine,
		sweeper:          sweeper,
		dispatcher:       disp,
	}, nil
}

// Start 启动全部组件
func (s *TelemetryService) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("Starting telemetry service")

	s.runComponent(ctx, "batch-writer", func(ctx context.Context) error {
		s.batchWriter.Run(ctx)
		return nil
	})
	s.runComponent(ctx, "last-seen-flusher", func(ctx context.Context) error {
		s.lastSeenFlusher.Run(ctx)
		return nil
	})
	s.runComponent(ctx, "dispatcher", s.dispatcher.Run)
	s.runComponent(ctx, "evaluation-engine", s.engine.Run)
	s.runComponent(ctx, "escalation-sweeper", s.sweeper.Run)
	s.runComponent(ctx, "mqtt-consumer", s.mqttConsumer.Start)
	s.runComponent(ctx, "device-status-refresher", func(ctx context.Context) error {
		s.runStatusRefresher(ctx)
		return nil
	})
	s.runComponent(ctx, "http-ingest", func(ctx context.Context) error {
		return s.httpServer.Start()
	})

	return nil
}

// runComponent 在受管 goroutine 中启动组件
func (s *TelemetryService) runComponent(ctx context.Context, name string, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(ctx); err != nil {
			s.logger.Error("Component exited with error",
				zap.String("component", name),
				zap.Error(err),
			)
		}
	}()
}

// runStatusRefresher 周期性把久未上报的设备标记为 STALE / OFFLINE
func (s *TelemetryService) runStatusRefresher(ctx context.Context) {
	ticker := time.NewTicker(s.config.Ingest.StaleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			affected, err := s.devicesRepo.RefreshStatuses(ctx, s.config.Ingest.StaleAfter, s.config.Ingest.OfflineAfter)
			if err != nil {
				s.logger.Error("Failed to refresh device statuses", zap.Error(err))
				continue
			}
			if affected > 0 {
				s.logger.Info("Refreshed device statuses", zap.Int64("devices", affected))
			}
		}
	}
}

// Stop 优雅停机：先停外部入口，再等批量写入器把缓冲刷完
func (s *TelemetryService) Stop() error {
	s.logger.Info("Stopping telemetry service")

	s.mqttConsumer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Stop(shutdownCtx); err != nil {
		s.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mqttClient.Disconnect()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis client", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	s.logger.Info("Telemetry service stopped")
	return nil
}
