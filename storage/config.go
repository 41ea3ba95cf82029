package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DriverType represents the type of database driver
type DriverType string

const (
	// DriverSQLite is the SQLite driver
	DriverSQLite DriverType = "sqlite"
	// DriverMySQL is the MySQL driver
	DriverMySQL DriverType = "mysql"
	// DriverPostgres is the PostgreSQL driver
	DriverPostgres DriverType = "postgres"
)

var SupportedDrivers = []DriverType{
	DriverSQLite,
	DriverMySQL,
	DriverPostgres,
}

// sqliteBusyTimeoutMS is how long SQLite waits on a locked database before
// giving up
const sqliteBusyTimeoutMS = 5000

// DSN creates and returns a dsn connection string for the passed DriverType and DSNConf
func DSN(driver DriverType, conf DSNConf) (string, error) {
	switch driver {
	case DriverSQLite:
		return "", errors.Errorf("driver %s does not use dsn", driver)
	case DriverMySQL:
		if conf.Port == 0 {
			conf.Port = 3306
		}
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC", conf.User, conf.Password, conf.Host,
			conf.Port, conf.DB,
		), nil
	case DriverPostgres:
		if conf.Port == 0 {
			conf.Port = 5432
		}
		return fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%d TimeZone=UTC",
			conf.Host, conf.User, conf.Password, conf.DB, conf.Port,
		), nil
	default:
		return "", errors.Errorf("unsupported driver '%s'", driver)
	}
}

// DSNConf provides configuration options for database connection strings.
// It contains common connection parameters used across different database drivers
// including MySQL and PostgreSQL.
type DSNConf struct {
	User     string `yaml:"user"`
	Password string `yaml:"password" envconfig:"DB_PASSWORD"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       string `yaml:"db"`
}

// Config represents the database configuration
type Config struct {
	// Driver is the database driver type
	Driver DriverType `yaml:"driver"`
	// DSN is the data source name (connection string)
	// For SQLite, this is the database file path (":memory:" for a throwaway database)
	// For MySQL, this is the connection string: user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True
	// For PostgreSQL, this is the connection string: host=localhost user=gorm password=gorm dbname=gorm port=5432
	DSN string `yaml:"dsn"`
	// DataDir is the directory where database files are stored (for SQLite)
	DataDir string `yaml:"data_dir"`
	// Debug enables debug logging
	Debug bool `yaml:"debug"`
	// CredentialPepper keys the digest that is stored instead of raw API
	// credentials
	CredentialPepper string `yaml:"-"`
}

// Connect establishes a connection to the database based on the configuration
func Connect(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case DriverSQLite:
		// If DSN is not provided, use the default database file in DataDir
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.DataDir, "cmdgate.db")
		}
		dialector = sqlite.Open(sqliteDSN(dsn))
	case DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	logMode := logger.Silent
	if cfg.Debug {
		logMode = logger.Info
	}

	db, err := gorm.Open(
		dialector, &gorm.Config{
			Logger:         logger.Default.LogMode(logMode),
			TranslateError: true,
		},
	)
	if err != nil {
		return nil, err
	}
	if cfg.Driver == DriverSQLite {
		// SQLite allows a single writer; one connection also keeps an
		// in-memory database alive for the lifetime of the pool
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d", dsn, sep, sqliteBusyTimeoutMS)
}
