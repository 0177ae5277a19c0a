package db

import (
	"strings"
	"time"
)

const (
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"

	// SQLiteDriverPure is the cgo-free glebarez driver, SQLiteDriverCGO the
	// mattn one behind gorm.io/driver/sqlite.
	SQLiteDriverPure = "pure"
	SQLiteDriverCGO  = "cgo"
)

// Config is the connection the reconciliation store runs on. Postgres uses
// the network fields; sqlite treats Name as the database file.
type Config struct {
	Type     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string

	SQLiteDriver      string
	SQLiteBusyTimeout time.Duration

	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Dialect normalizes Type. "sqlite3" is kept as an alias for sqlite on the
// cgo driver.
func (c Config) Dialect() string {
	t := strings.ToLower(strings.TrimSpace(c.Type))
	if t == "sqlite3" {
		return TypeSQLite
	}
	return t
}

func (c Config) sqliteDriver() string {
	if strings.EqualFold(strings.TrimSpace(c.Type), "sqlite3") {
		return SQLiteDriverCGO
	}
	switch d := strings.ToLower(strings.TrimSpace(c.SQLiteDriver)); d {
	case SQLiteDriverCGO, "mattn":
		return SQLiteDriverCGO
	default:
		return SQLiteDriverPure
	}
}
