// Package relpersist is a thin layer over gorm used by the mapping demonstrations in
// examples/. It owns the parts gorm leaves to the application: declaring a model, opening
// and recreating the embedded database, tracking loaded entities in a session and
// printing what the session holds.
package relpersist

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	// DriverSQLite selects the embedded database. It is the default.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL server reached through pgx.
	DriverPostgres = "postgres"

	defaultDSN = "relpersist.db"
)

// Config describes how to reach the database.
type Config struct {
	// Driver is either DriverSQLite or DriverPostgres.
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn"`
	// EchoSQL logs every generated statement at info level instead of debug.
	EchoSQL bool `yaml:"echo_sql"`
	// SlowThreshold marks statements slower than this as warnings. Zero disables it.
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.DSN == "" && c.Driver == DriverSQLite {
		c.DSN = defaultDSN
	}
	return c
}

// Executor owns the gorm handle and the connection pool behind it.
type Executor struct {
	DB     *gorm.DB
	Driver string
}

// NewExecutor creates and initializes a new Executor.
// It opens the connection pool for the configured driver but does not verify it.
//
// Parameters:
//   - cfg: The database configuration. Empty fields fall back to an sqlite file named relpersist.db.
//   - log: The logger receiving generated SQL. A nil logger discards it.
//
// Returns:
//
//	A pointer to the newly created Executor or an error if the driver is unknown or the open fails.
func NewExecutor(cfg Config, log *zap.Logger) (*Executor, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("postgres driver requires a dsn")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, errors.Errorf("unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewSQLLogger(log, cfg.EchoSQL, cfg.SlowThreshold),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s database", cfg.Driver)
	}
	return &Executor{DB: db, Driver: cfg.Driver}, nil
}

// Verify checks connectivity by pinging the pool.
func (e *Executor) Verify(ctx context.Context) error {
	sqlDB, err := e.DB.DB()
	if err != nil {
		return errors.Wrap(err, "could not get connection pool")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "ping database")
}

// Close releases the connection pool.
func (e *Executor) Close() error {
	sqlDB, err := e.DB.DB()
	if err != nil {
		return errors.Wrap(err, "could not get connection pool")
	}
	return sqlDB.Close()
}
