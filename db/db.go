package db

import (
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/ztrue/tracerr"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DBStruct lists the tables managed by the runtime.
type DBStruct interface {
	PluginSetting | PluginNotification
}

// Open connects the sqlite database at path and migrates every table.
// The directory of path is created if needed.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	ret, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // disable log
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := ret.AutoMigrate(&PluginSetting{}, &PluginNotification{}); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return ret, nil
}

// Close releases the connection pool of db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(sqlDB.Close())
}
