package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Common errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrNotConnected = errors.New("not connected to datasource")
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// Config represents the configuration for a datasource
type Config struct {
	Type     string            // sqlite, mysql, postgres or ldap
	Name     string            // Name of this datasource instance
	Host     string            // Hostname or IP address
	Port     int               // Port number
	Database string            // Database name, or file path for sqlite
	Username string            // Username for authentication
	Password string            // Password for authentication
	DSN      string            // Full driver DSN, overrides the fields above
	Options  map[string]string // Additional options specific to the datasource type
}

// DB is a database/sql handle that knows its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
	name    string
}

// Dialect returns the SQL flavour of the connection.
func (db *DB) Dialect() Dialect { return db.dialect }

// Name returns the configured datasource name.
func (db *DB) Name() string { return db.name }

// Rebind rewrites ? placeholders for the connection's dialect.
func (db *DB) Rebind(query string) string {
	return Rebind(db.dialect, query)
}

// Rebind rewrites ? placeholders into $n for postgres and leaves other
// dialects unchanged. Placeholders inside quoted literals are not touched.
func Rebind(dialect Dialect, query string) string {
	if dialect != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Open connects to the SQL datasource described by config and verifies the
// connection with a ping.
func Open(ctx context.Context, config Config) (*DB, error) {
	var (
		driver  string
		dsn     string
		dialect Dialect
	)

	switch config.Type {
	case "sqlite", "sqlite3", "":
		driver, dialect = "sqlite3", SQLite
		path := config.Database
		if path == "" {
			path = "fedqueue.db"
		}
		if dir := filepath.Dir(path); dir != "." && dir != "/" && path != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for SQLite database: %w", err)
			}
		}
		dsn = path
		if !strings.Contains(dsn, "?") && path != ":memory:" {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL"
		}

	case "mysql":
		driver, dialect = "mysql", MySQL
		if config.Port == 0 {
			config.Port = 3306
		}
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			config.Username,
			config.Password,
			config.Host,
			config.Port,
			config.Database)
		if params := config.Options["connection_params"]; params != "" {
			dsn += "&" + params
		}

	case "postgres", "postgresql":
		driver, dialect = "postgres", Postgres
		if config.Port == 0 {
			config.Port = 5432
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			config.Host,
			config.Port,
			config.Username,
			config.Password,
			config.Database)
		if params := config.Options["connection_params"]; params != "" {
			dsn += " " + params
		}

	default:
		return nil, fmt.Errorf("unsupported datasource type: %s", config.Type)
	}

	if config.DSN != "" {
		dsn = config.DSN
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	if dialect == SQLite {
		// one writer at a time
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	return &DB{DB: sqlDB, dialect: dialect, name: config.Name}, nil
}

// ExecAll runs schema statements in order, stopping at the first failure.
func (db *DB) ExecAll(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// AutoIncrement returns the column definition for an auto-assigned 64-bit
// primary key in the connection's dialect.
func (db *DB) AutoIncrement() string {
	switch db.dialect {
	case MySQL:
		return "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	case Postgres:
		return "BIGSERIAL PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

// BlobType returns the binary column type for the dialect.
func (db *DB) BlobType() string {
	switch db.dialect {
	case MySQL:
		return "LONGBLOB"
	case Postgres:
		return "BYTEA"
	default:
		return "BLOB"
	}
}
