package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/watzon/hookrelay/internal/config"
	"github.com/watzon/hookrelay/internal/database/migrations"
)

// TimeFormat is the layout used for every timestamp column. Fixed-width
// fractional seconds keep lexical and chronological order identical.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type DB struct {
	*sql.DB
	cfg    *config.DatabaseConfig
	mu     sync.RWMutex
	closed bool
}

// Querier is satisfied by both *DB and *Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func Open(cfg *config.DatabaseConfig) (*DB, error) {
	if err := ensureDir(cfg.Path); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db := &DB{
		DB:  sqlDB,
		cfg: cfg,
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.configure(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configuring database: %w", err)
	}

	if err := migrations.Run(context.Background(), sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

// dsn applies per-connection pragmas through the driver so every pooled
// connection gets them, not only the first.
func dsn(cfg *config.DatabaseConfig) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	if cfg.ForeignKeys {
		params.Add("_pragma", "foreign_keys(1)")
	}
	if cfg.WALMode {
		params.Add("_pragma", "synchronous(NORMAL)")
	}
	return "file:" + cfg.Path + "?" + params.Encode()
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (db *DB) configure() error {
	var pragmas []string

	if db.cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	if db.cfg.CacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size = %d", db.cfg.CacheSize))
	}

	pragmas = append(pragmas, "PRAGMA temp_store = MEMORY")

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	return nil
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if db.cfg.WALMode {
		_, _ = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}

	return db.DB.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

// Transaction runs fn inside a transaction. The transaction is rolled back
// when fn returns an error or panics.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	tx := &Tx{Tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

type Tx struct {
	*sql.Tx
}

func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a timestamp column. Empty strings yield the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// NullTime converts a nullable timestamp column.
func NullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func Now() string {
	return FormatTime(time.Now())
}
