package db

import (
	"errors"
	"fmt"
	"s5proxy/s5/common/config"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/model"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported driver")
)

var dbLog = logx.New(logx.WithPrefix("db"))

type DB struct {
	GormDataSource *gorm.DB
	Driver         string
}

func OpenGorm(driver, dsn string, pool config.DBPoolCfg) (*DB, error) {
	var dial gorm.Dialector

	driver = strings.ToLower(driver)
	switch driver {
	case "mysql":
		dial = mysql.Open(dsn)
	case "sqlite", "sqlite3":
		dial = sqlite.Open(dsn)
		driver = "sqlite"
	default:
		return nil, ErrUnsupportedDriver
	}

	g, err := gorm.Open(dial, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logx.GormLoggerDefault(logx.GetLevelString()),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	if pool.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetimeSec > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(pool.MaxLifetimeSec) * time.Second)
	}

	return &DB{GormDataSource: g, Driver: driver}, nil
}

// Migrate 建 user / traffic_log 表
func (d *DB) Migrate() error {
	if err := d.GormDataSource.AutoMigrate(&model.User{}, &model.TrafficLog{}); err != nil {
		return fmt.Errorf("%s migrate: %w", d.Driver, err)
	}
	return nil
}

func (d *DB) Close() error {
	sqlDB, err := d.GormDataSource.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
