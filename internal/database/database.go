// Package database opens the relational store behind either daemon and prepares its schema.
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/store/audit"
	"github.com/glebarez/sqlite"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Driver names the SQL dialect behind a DSN.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Handle is an open database plus its dialect.
type Handle struct {
	DB     *gorm.DB
	Driver Driver
}

// Close releases the underlying connection pool.
func (handle *Handle) Close() error {
	sqlDB, err := handle.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Open connects to dsn. postgres:// and postgresql:// select postgres; sqlite:// or a bare path
// selects sqlite, limited to one open connection so write transactions serialize.
func Open(ctx context.Context, dsn string, defaultFile string) (*Handle, error) {
	driver, sqlitePath, err := ResolveDriver(dsn, defaultFile)
	if err != nil {
		return nil, err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := audit.Register(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := db.Use(otelgorm.NewPlugin(otelgorm.WithDBName(string(driver)))); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("tracing plugin: %w", err)
	}
	return &Handle{DB: db, Driver: driver}, nil
}

// ResolveDriver maps a DSN to a driver and, for sqlite, a file path.
func ResolveDriver(dsn string, defaultFile string) (Driver, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", "", fmt.Errorf("database url is required")
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(trimmed, "sqlite://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
