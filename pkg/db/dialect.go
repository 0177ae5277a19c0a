package db

import (
	"fmt"
	"strconv"
	"strings"

	glebarez "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func Dialect(cfg Config) (gorm.Dialector, error) {
	switch cfg.Dialect() {
	case TypePostgres:
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.Host,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.Port,
			cfg.SSLMode,
		)), nil
	case TypeSQLite:
		driver := cfg.sqliteDriver()
		dsn := sqliteDSN(cfg.Name, driver, cfg.SQLiteBusyTimeout.Milliseconds())
		if driver == SQLiteDriverCGO {
			return sqlite.Open(dsn), nil
		}
		return glebarez.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.Type)
	}
}

// sqliteDSN appends the busy timeout in the query syntax each driver reads.
func sqliteDSN(name, driver string, busyMillis int64) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "iapsync.db"
	}
	if busyMillis <= 0 {
		return name
	}

	sep := "?"
	if strings.Contains(name, "?") {
		sep = "&"
	}
	ms := strconv.FormatInt(busyMillis, 10)
	if driver == SQLiteDriverCGO {
		return name + sep + "_busy_timeout=" + ms
	}
	return name + sep + "_pragma=busy_timeout(" + ms + ")"
}
