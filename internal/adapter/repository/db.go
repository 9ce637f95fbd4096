package repository

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB 连接 PostgreSQL 并迁移修订、重新部署和构建记录表。
func OpenDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&RevisionModel{},
		&RedeployModel{},
		&BuildModel{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
