package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"forma/internal/bus"
	"forma/internal/config"
	"forma/internal/handlers"
	"forma/internal/models"
	"forma/internal/sandbox"
	"forma/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the forma server",
	Long:  `Run the forma server`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.AutoMigrate(
		&models.App{}, &models.RecordType{}, &models.FieldDef{}, &models.Record{},
		&models.Automation{}, &models.AutomationRun{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	eventBus := bus.New(256, appLogger)
	go eventBus.Run()
	defer eventBus.Close()

	var runner sandbox.Runner
	if cfg.Sandbox.Python != "" {
		runner = sandbox.NewSubprocess(sandbox.Config{Python: cfg.Sandbox.Python, Workdir: cfg.Sandbox.Workdir}, appLogger)
	}

	streamHub := services.NewRunStreamHub()
	automationService := services.NewAutomationService(db, runner, eventBus, appLogger)
	automationService.SetRunStream(streamHub)
	automationService.SetExecTimeout(cfg.Sandbox.Timeout)
	recordService := services.NewRecordService(db, eventBus, appLogger)
	services.NewDispatcher(db, automationService, appLogger).Attach(eventBus)

	router := gin.Default()
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down...")
}
