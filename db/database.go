package db

import (
	"fmt"
	"log"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/internal/domain/provider"
	"github.com/forgeml/forge/internal/domain/quota"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func Init() {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		config.DbHost,
		config.DbPort,
		config.DbUser,
		config.DbPassword,
		config.DbName,
	)

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("Failed to connect to DB:", err)
	}

	if err := DB.AutoMigrate(
		&provider.ComputeProvider{},
		&quota.TeamQuota{},
		&quota.UserQuotaOverride{},
		&quota.QuotaUsage{},
	); err != nil {
		log.Fatal("Failed to auto migrate:", err)
	}

	log.Println("Database connected and migrated")
}

func InitWithGormDB(gormDB *gorm.DB) {
	DB = gormDB
}
