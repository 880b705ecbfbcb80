package main

import (
	"fmt"
	"log"
	"os"

	"forma/internal/config"
	"forma/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode)
	if env := os.Getenv("DB_DSN"); env != "" {
		dsn = env
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	if err := db.AutoMigrate(
		&models.App{},
		&models.RecordType{},
		&models.FieldDef{},
		&models.Record{},
		&models.Automation{},
		&models.AutomationRun{},
	); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// 为运行历史创建复合索引
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_runs_automation_created ON automation_runs(automation_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_runs_status ON automation_runs(status)")

	// 为记录表创建复合索引
	db.Exec("CREATE INDEX IF NOT EXISTS idx_records_type_created ON records(type_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_records_app ON records(app_id)")

	// 为自动化表创建触发匹配索引
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automations_app_trigger ON automations(app_id, trigger_kind, enabled)")

	log.Println("Additional indexes created successfully!")
	log.Println("Migration process completed!")
}
