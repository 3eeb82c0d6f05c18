package postgres

import (
	"fmt"
	"io"
	stdlog "log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/odpf/kleidi/config"
)

const slowQueryThreshold = time.Second

// Connect opens a gorm connection pool, queries slower than a second are
// written to writer
func Connect(conf config.DBConfig, writer io.Writer) (*gorm.DB, error) {
	gormLogger := logger.New(
		stdlog.New(writer, "\r\n", stdlog.LstdFlags),
		logger.Config{
			SlowThreshold: slowQueryThreshold,
			LogLevel:      logger.Warn,
		},
	)

	db, err := gorm.Open(postgres.Open(conf.DSN), &gorm.Config{
		Logger:         gormLogger,
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
	})
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := db.Use(newTracer()); err != nil {
		return nil, fmt.Errorf("unable to register query tracer: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if conf.MaxIdleConnection > 0 {
		sqlDB.SetMaxIdleConns(conf.MaxIdleConnection)
	}
	if conf.MaxOpenConnection > 0 {
		sqlDB.SetMaxOpenConns(conf.MaxOpenConnection)
	}
	return db, nil
}
