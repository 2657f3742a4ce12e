// Package migrate applies the embedded schema revisions to a wipeline
// database. Revisions are SQL files named NNNN_label.sql and run in
// numeric order inside a single transaction.
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
var revisionFS embed.FS

type revision struct {
	version int
	name    string
	stmts   string
}

func loadRevisions() ([]revision, error) {
	entries, err := revisionFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	revs := make([]revision, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: name must be NNNN_label.sql", entry.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		data, err := revisionFS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		revs = append(revs, revision{version: version, name: entry.Name(), stmts: string(data)})
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].version < revs[j].version })
	return revs, nil
}

// SchemaVersion reports the current schema revision, 0 for a fresh
// database.
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return 0, nil
	}
	return version, err
}

// Migrate brings the database up to the latest embedded revision.
// Pending revisions apply atomically; an already-current database is a
// no-op.
func Migrate(db *sql.DB) error {
	revs, err := loadRevisions()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	if err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current); err != nil {
		if err != sql.ErrNoRows {
			return fmt.Errorf("read schema_version: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	}

	for _, rev := range revs {
		if rev.version <= current {
			continue
		}
		if _, err := tx.Exec(rev.stmts); err != nil {
			return fmt.Errorf("apply %s: %w", rev.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, rev.version); err != nil {
			return fmt.Errorf("record %s: %w", rev.name, err)
		}
		current = rev.version
	}
	return tx.Commit()
}
