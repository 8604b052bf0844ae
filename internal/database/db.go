package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/qqqwwwyeee-boop/server5/internal/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Options struct {
	Driver string
	// Path of the sqlite file; its directory is created if missing.
	Path string
	// DSN for postgres.
	DSN string
}

// Open connects, migrates the schema and seeds the stats row.
func Open(opts Options) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverSQLite, "":
		if dir := filepath.Dir(opts.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrap(err, "create data directory")
			}
		}
		dialector = sqlite.Open(sqliteDSN(opts.Path))
	case DriverPostgres:
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(gormWriter{}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect database")
	}

	if db.Dialector.Name() == DriverSQLite {
		// sqlite allows one writer; a single connection serializes
		// transactions instead of failing them with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "sqlite handle")
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Debug().Str("driver", db.Dialector.Name()).Msg("database ready")
	return db, nil
}

// Migrate creates the tables and the singleton stats row.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(&model.LicenseKey{}, &model.Stats{}, &model.OperationLog{}, &model.CheckLog{})
	if err != nil {
		return errors.Wrap(err, "migrate database")
	}
	if err := db.FirstOrCreate(&model.Stats{}, model.Stats{ID: model.StatsRowID}).Error; err != nil {
		return errors.Wrap(err, "seed stats row")
	}
	return nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func sqliteDSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

type gormWriter struct{}

func (gormWriter) Printf(format string, args ...any) {
	log.Warn().Str("component", "gorm").Msgf(format, args...)
}
