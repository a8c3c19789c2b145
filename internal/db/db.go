package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const defaultDBName = "orderline.db"

// Dialects understood by the repository and migrations.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

type Config struct {
	Driver    string
	DSN       string
	Workspace string
}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".orderline", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".orderline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite transactions begin IMMEDIATE so a
// write transaction holds the database write lock from its first statement.
func Open(cfg Config) (*sqlx.DB, error) {
	switch cfg.Driver {
	case "", SQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
				return nil, err
			}
			dsn = SQLiteDSN(dbPath(cfg.Workspace))
		}
		return sqlx.Open("sqlite", dsn)
	case Postgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn required")
		}
		conn, err := sqlx.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxIdleTime(5 * time.Minute)
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

// SQLiteDSN builds the DSN for a database file.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
}

// Dialect maps a driver name onto one of the supported SQL dialects.
func Dialect(conn *sqlx.DB) string {
	if conn.DriverName() == "pgx" || conn.DriverName() == "postgres" {
		return Postgres
	}
	return SQLite
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
