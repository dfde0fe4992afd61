package sqlstore

import (
	"fmt"
	"net"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jacentio/rootstore/internal/logger"
)

const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 10
	DefaultConnMaxLifetime = 10 * time.Minute
	DefaultConnMaxIdleTime = 5 * time.Minute
)

// Config holds MySQL connection settings.
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
}

// DefaultConfig returns a local MySQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            "3306",
		Database:        "rootstore",
		MaxOpenConns:    DefaultMaxOpenConns,
		MaxIdleConns:    DefaultMaxIdleConns,
		ConnMaxLifetime: DefaultConnMaxLifetime,
		ConnMaxIdleTime: DefaultConnMaxIdleTime,
		LogLevel:        "warn",
		SlowThreshold:   200 * time.Millisecond,
	}
}

func (c *Config) validate() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = DefaultConnMaxIdleTime
	}
}

// DSN returns the driver connection string. ClientFoundRows makes UPDATE
// report matched rather than changed rows, which the root lock relies on.
func (c Config) DSN() string {
	dc := mysqlDriver.NewConfig()
	dc.User = c.Username
	dc.Passwd = c.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(c.Host, c.Port)
	dc.DBName = c.Database
	dc.ParseTime = true
	dc.ClientFoundRows = true
	dc.Loc = time.UTC
	dc.Timeout = 10 * time.Second
	dc.ReadTimeout = 10 * time.Second
	dc.WriteTimeout = 10 * time.Second
	dc.Params = map[string]string{"charset": "utf8mb4"}
	return dc.FormatDSN()
}

func gormConfig(log *zap.Logger, level string, slow time.Duration) *gorm.Config {
	gc := logger.DefaultGormConfig()
	gc.Level = logger.ParseGormLevel(level)
	if slow > 0 {
		gc.SlowThreshold = slow
	}
	return &gorm.Config{
		Logger:         logger.NewGormLogger(log, gc),
		TranslateError: true,
	}
}

// Open connects to MySQL and applies the pool settings.
func Open(cfg Config, log *zap.Logger) (*gorm.DB, error) {
	cfg.validate()
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN()), gormConfig(log, cfg.LogLevel, cfg.SlowThreshold))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	log.Info("database connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return db, nil
}

// OpenSQLite opens a SQLite database through a single connection.
func OpenSQLite(dsn string, log *zap.Logger) (*gorm.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(log, "warn", 0))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
