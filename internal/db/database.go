package db

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shield-backend/internal/config"
	"shield-backend/internal/models"
)

var DB *gorm.DB

// InitDB connects to postgres and migrates the schema. Fatal on failure:
// nothing in the service can run without the ledger.
func InitDB() {
	if config.AppConfig == nil || config.AppConfig.Database.DSN == "" {
		logrus.Fatal("database DSN is required")
	}

	var err error
	DB, err = gorm.Open(postgres.Open(config.AppConfig.Database.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect database")
	}

	sqlDB, err := DB.DB()
	if err != nil {
		logrus.WithError(err).Fatal("failed to get sql.DB handle")
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := DB.AutoMigrate(
		&models.User{},
		&models.Balance{},
		&models.Transaction{},
	); err != nil {
		logrus.WithError(err).Fatal("failed to migrate database schema")
	}

	logrus.Info("database connected and migrated")
}
