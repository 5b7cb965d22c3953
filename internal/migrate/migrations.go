// Package migrate applies the embedded schema migrations at startup. Each
// applied step is recorded in schema_migrations so reruns are no-ops.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	name    string
	sql     string
}

// steps loads the embedded *.sql files, keyed by the numeric prefix of the
// filename (0001_init.sql -> version 1).
func steps() ([]step, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(entries))
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		body, err := schemaFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: v, name: e.Name(), sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate brings the database up to the latest embedded schema version.
// Each pending step runs in its own transaction, so a failure leaves all
// earlier steps applied and recorded.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(
        version INTEGER PRIMARY KEY,
        name TEXT NOT NULL,
        applied_at TEXT NOT NULL DEFAULT (datetime('now'))
    )`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	all, err := steps()
	if err != nil {
		return err
	}
	for _, s := range all {
		done, err := applied(db, s.version)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := apply(db, s); err != nil {
			return err
		}
	}
	return nil
}

func applied(db *sql.DB, version int) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version=?`, version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("read schema_migrations: %w", err)
	}
	return n > 0, nil
}

func apply(db *sql.DB, s step) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.sql); err != nil {
		return fmt.Errorf("apply %s: %w", s.name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version,name) VALUES (?,?)`, s.version, s.name); err != nil {
		return fmt.Errorf("record %s: %w", s.name, err)
	}
	return tx.Commit()
}
