// Package migrations applies the embedded SQL schema for the event store
// and delivery queue.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

//go:embed sql/*.sql
var embedded embed.FS

const versionTable = "_hookrelay_migrations"

// ErrChecksumMismatch means an applied migration file was edited afterwards.
var ErrChecksumMismatch = errors.New("migration changed after it was applied")

// Migration is one SQL file. ID is the file name without extension.
type Migration struct {
	ID       string
	SQL      string
	Checksum string
}

// Status reports whether a known migration has been applied.
type Status struct {
	ID        string
	Applied   bool
	AppliedAt time.Time
}

type applied struct {
	checksum string
	at       time.Time
}

// Run applies every pending embedded migration in file name order, each in
// its own transaction.
func Run(ctx context.Context, db *sql.DB) error {
	return RunFS(ctx, db, embedded)
}

// RunFS applies the migrations found in the sql directory of fsys.
func RunFS(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	if err := ensureVersionTable(ctx, db); err != nil {
		return fmt.Errorf("ensuring version table: %w", err)
	}

	done, err := loadApplied(ctx, db)
	if err != nil {
		return fmt.Errorf("reading applied migrations: %w", err)
	}

	list, err := Load(fsys)
	if err != nil {
		return err
	}

	for _, m := range list {
		if prev, ok := done[m.ID]; ok {
			// Rows written before checksums were tracked carry none.
			if prev.checksum != "" && prev.checksum != m.Checksum {
				return fmt.Errorf("%w: %s", ErrChecksumMismatch, m.ID)
			}
			continue
		}

		start := time.Now()
		if err := apply(ctx, db, m); err != nil {
			return fmt.Errorf("applying migration %s: %w", m.ID, err)
		}
		log.Info().Str("migration", m.ID).Dur("took", time.Since(start)).Msg("Applied migration")
	}
	return nil
}

// StatusOf lists the embedded migrations with their applied state.
func StatusOf(ctx context.Context, db *sql.DB) ([]Status, error) {
	if err := ensureVersionTable(ctx, db); err != nil {
		return nil, fmt.Errorf("ensuring version table: %w", err)
	}
	done, err := loadApplied(ctx, db)
	if err != nil {
		return nil, err
	}
	list, err := Load(embedded)
	if err != nil {
		return nil, err
	}

	out := make([]Status, len(list))
	for i, m := range list {
		prev, ok := done[m.ID]
		out[i] = Status{ID: m.ID, Applied: ok, AppliedAt: prev.at}
	}
	return out, nil
}

// Load reads sql/*.sql from fsys sorted by ID.
func Load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("reading sql directory: %w", err)
	}

	var list []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join("sql", name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		list = append(list, Migration{
			ID:       strings.TrimSuffix(name, ".sql"),
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(list, func(a, b Migration) int {
		return strings.Compare(a.ID, b.ID)
	})
	return list, nil
}

func ensureVersionTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+versionTable+` (
			id TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		)
	`); err != nil {
		return err
	}

	// Tables created by earlier builds have no checksum column.
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = 'checksum'`, versionTable,
	).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		_, err := db.ExecContext(ctx, `ALTER TABLE `+versionTable+` ADD COLUMN checksum TEXT NOT NULL DEFAULT ''`)
		return err
	}
	return nil
}

func loadApplied(ctx context.Context, db *sql.DB) (map[string]applied, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, checksum, applied_at FROM `+versionTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]applied)
	for rows.Next() {
		var id, sum, at string
		if err := rows.Scan(&id, &sum, &at); err != nil {
			return nil, err
		}
		a := applied{checksum: sum}
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, at); err == nil {
				a.at = t
				break
			}
		}
		out[id] = a
	}
	return out, rows.Err()
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing statement: %w\nSQL: %s", err, truncate(stmt, 100))
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+versionTable+` (id, checksum) VALUES (?, ?)`, m.ID, m.Checksum,
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// splitStatements splits a script on semicolons outside quoted strings.
// Line comments are dropped. Statements containing BEGIN ... END blocks
// are not supported.
func splitStatements(script string) []string {
	var (
		out     []string
		current strings.Builder
		quote   byte
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			out = append(out, stmt)
		}
		current.Reset()
	}

	for i := 0; i < len(script); i++ {
		ch := script[i]
		switch {
		case quote != 0:
			current.WriteByte(ch)
			if ch == quote {
				// Doubled quotes escape themselves.
				if i+1 < len(script) && script[i+1] == quote {
					current.WriteByte(script[i+1])
					i++
				} else {
					quote = 0
				}
			}
		case ch == '\'' || ch == '"':
			quote = ch
			current.WriteByte(ch)
		case ch == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			current.WriteByte('\n')
		case ch == ';':
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
