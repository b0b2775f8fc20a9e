package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	v1 "carbon-scribe/bridge-backend/api/v1"
	"carbon-scribe/bridge-backend/internal/audit"
	"carbon-scribe/bridge-backend/internal/auth"
	"carbon-scribe/bridge-backend/internal/config"
	"carbon-scribe/bridge-backend/internal/events"
	"carbon-scribe/bridge-backend/internal/events/journal"
	"carbon-scribe/bridge-backend/internal/events/snssink"
	"carbon-scribe/bridge-backend/internal/notifications/websocket"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsManager := websocket.NewManager(logger)
	opts := v1.OptionsFromConfig(cfg)
	opts.WebSocket = wsManager
	if cfg.Events.LogEvents {
		opts.Sinks = append(opts.Sinks, events.NewLogSink(logger))
	}

	if cfg.Database.Enabled {
		j, err := openJournal(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to open event journal", zap.Error(err))
		}
		opts.Journal = j
		last, err := j.LastSequence(ctx)
		if err != nil {
			logger.Fatal("Failed to read event journal", zap.Error(err))
		}
		opts.StartSequence = last
	}

	if cfg.Events.SNSTopicARN != "" {
		sink, err := snssink.NewFromConfig(ctx, cfg.Events.AWSRegion, cfg.Events.SNSTopicARN, logger)
		if err != nil {
			logger.Fatal("Failed to configure SNS sink", zap.Error(err))
		}
		opts.Sinks = append(opts.Sinks, sink)
	}

	api, err := v1.SetupLedgerAPI(opts, logger)
	if err != nil {
		logger.Fatal("Failed to wire ledger", zap.Error(err))
	}

	if cfg.Audit.Enabled {
		scheduler, err := audit.NewScheduler(cfg.Audit.Schedule, api.Auditor, logger)
		if err != nil {
			logger.Fatal("Invalid audit schedule", zap.Error(err))
		}
		if err := scheduler.Start(ctx); err != nil {
			logger.Fatal("Failed to start audit scheduler", zap.Error(err))
		}
		defer scheduler.Stop()
		api.UseScheduler(scheduler)
	}

	if cfg.Logging.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	tokens := auth.NewTokenService(cfg.Security.JWTSecret, cfg.Security.JWTIssuer, cfg.Security.TokenTTL)
	router := v1.NewRouter(api, tokens, logger)

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", srv.Addr))

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := api.Bus.Close(shutdownCtx); err != nil {
		logger.Error("Event delivery incomplete", zap.Error(err))
	}
	wsManager.Close()

	logger.Info("Server exiting")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func openJournal(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*journal.Journal, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseURL()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.MaxLifetime)

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	j := journal.New(db, logger)
	if err := j.Migrate(migrateCtx); err != nil {
		return nil, err
	}
	return j, nil
}
