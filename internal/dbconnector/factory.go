package dbconnector

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Canonical connector types. Aliases accepted in configuration map onto these.
const (
	TypeMySQL    = "mysql"
	TypePostgres = "postgres"
	TypeMSSQL    = "mssql"
)

// Pollers keep one long-lived handle per source, so the pool stays small and
// recycles connections that upstream proxies may silently drop.
const (
	maxOpenConns    = 2
	maxIdleConns    = 1
	connMaxIdleTime = 5 * time.Minute
	connMaxLifetime = 30 * time.Minute
)

// NormalizeType maps a configured database type onto its canonical name.
func NormalizeType(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "":
		return "", errors.New("connection type is required")
	case "mysql", "mariadb":
		return TypeMySQL, nil
	case "postgres", "postgresql", "pg":
		return TypePostgres, nil
	case "mssql", "sqlserver":
		return TypeMSSQL, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", t)
	}
}

// NewConnector opens a pooled handle for an upstream source table database.
// The handle is lazy; callers verify reachability with TestConnection.
func NewConnector(cfg ConnectionConfig) (DbConnector, error) {
	kind, err := NormalizeType(cfg.Type)
	if err != nil {
		return nil, err
	}
	cfg.Type = kind
	switch kind {
	case TypeMySQL:
		return newMySQLConnector(cfg)
	case TypePostgres:
		return newPostgresConnector(cfg)
	default:
		return newMSSQLConnector(cfg)
	}
}

func openDatabase(driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	db.SetConnMaxLifetime(connMaxLifetime)
	return db, nil
}
