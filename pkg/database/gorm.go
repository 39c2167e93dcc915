package database

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewPGConnection open a gorm postgres connection, retrying per d
func NewPGConnection(d Connection) (*gorm.DB, error) {
	var db *gorm.DB
	err := retry("gorm postgres", d.RetryCount, d.RetryInterval, func() error {
		g, err := gorm.Open(postgres.Open(d.ConnectStr), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return err
		}
		db = g
		return nil
	})
	return db, err
}
