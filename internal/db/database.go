package db

import (
	"os"
	"path/filepath"

	"github.com/marketnet/market-node/internal/config"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type DatabaseManager struct {
	marketDb     *gorm.DB
	governanceDb *gorm.DB
	messageDb    *gorm.DB
}

func NewDatabaseManager() *DatabaseManager {
	dm := &DatabaseManager{}
	dm.initDB()
	return dm
}

func (dm *DatabaseManager) initDB() {
	dbDir := config.AppConfig.DbDir
	if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	marketPath := filepath.Join(dbDir, "market.db")
	marketDb, err := gorm.Open(sqlite.Open(marketPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to market database: %v", err)
	}
	dm.marketDb = marketDb
	log.Debugf("Market database connected successfully, path: %s", marketPath)

	governancePath := filepath.Join(dbDir, "governance.db")
	governanceDb, err := gorm.Open(sqlite.Open(governancePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to governance database: %v", err)
	}
	dm.governanceDb = governanceDb
	log.Debugf("Governance database connected successfully, path: %s", governancePath)

	messagePath := filepath.Join(dbDir, "message.db")
	messageDb, err := gorm.Open(sqlite.Open(messagePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to message database: %v", err)
	}
	dm.messageDb = messageDb
	log.Debugf("Message database connected successfully, path: %s", messagePath)

	dm.autoMigrate()
	log.Debugf("Database migration completed successfully")
}

func (dm *DatabaseManager) GetMarketDB() *gorm.DB {
	return dm.marketDb
}

func (dm *DatabaseManager) GetGovernanceDB() *gorm.DB {
	return dm.governanceDb
}

func (dm *DatabaseManager) GetMessageDB() *gorm.DB {
	return dm.messageDb
}
