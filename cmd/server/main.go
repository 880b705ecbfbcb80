package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forma/internal/bus"
	"forma/internal/config"
	"forma/internal/handlers"
	"forma/internal/models"
	"forma/internal/observability"
	"forma/internal/sandbox"
	"forma/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		getenvDefault("DB_HOST", cfg.Database.Host),
		getenvDefault("DB_USER", cfg.Database.User),
		getenvDefault("DB_PASSWORD", cfg.Database.Password),
		getenvDefault("DB_NAME", cfg.Database.Name),
		cfg.Database.Port,
		getenvDefault("DB_SSLMODE", cfg.Database.SSLMode),
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(
		&models.App{}, &models.RecordType{}, &models.FieldDef{}, &models.Record{},
		&models.Automation{}, &models.AutomationRun{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 事件总线：构造注入，发布与 HTTP 路径解耦
	eventBus := bus.New(256, appLogger)
	go eventBus.Run()
	defer eventBus.Close()

	// 沙箱后端：未配置时 runner 为 nil，所有运行立即以 error 结束
	var runner sandbox.Runner
	if cfg.Sandbox.Python != "" {
		runner = sandbox.NewSubprocess(sandbox.Config{
			Python:  cfg.Sandbox.Python,
			Workdir: cfg.Sandbox.Workdir,
		}, appLogger)
	} else {
		appLogger.Warn("sandbox: no interpreter configured, automations will not execute")
	}

	streamHub := services.NewRunStreamHub()
	automationService := services.NewAutomationService(db, runner, eventBus, appLogger)
	automationService.SetRunStream(streamHub)
	automationService.SetExecTimeout(cfg.Sandbox.Timeout)
	recordService := services.NewRecordService(db, eventBus, appLogger)

	dispatcher := services.NewDispatcher(db, automationService, appLogger)
	dispatcher.Attach(eventBus)

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware("forma"))
	}
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	handlers.RegisterRecordRoutes(api, handlers.NewRecordHandler(recordService))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automationService))
	handlers.RegisterStreamRoutes(api, handlers.NewStreamHandler(streamHub, appLogger))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		appLogger.Infof("forma server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Errorf("server shutdown: %v", err)
	}
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
