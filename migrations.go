package qbroker

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

// MigrationFiles contains the SQL schema for the relational storage adapter,
// one directory per driver (sqlite3, mysql, postgres).
// Users can apply these files with their preferred migration tool
// (goose, golang-migrate, atlas, etc.), or call ApplyMigrations.
//
// Example with goose:
//
//	goose.SetBaseFS(qbroker.MigrationFiles)
//	if err := goose.Up(db, "migrations/postgres"); err != nil {
//	    log.Fatal(err)
//	}
//
//go:embed migrations/*/*.sql
var MigrationFiles embed.FS

// ApplyMigrations executes every migration of the driver in file name order.
// Statements use IF NOT EXISTS, so applying them twice is harmless.
func ApplyMigrations(db *sql.DB, driverName string) error {
	dir := path.Join("migrations", driverName)
	entries, err := fs.ReadDir(MigrationFiles, dir)
	if err != nil {
		return NewErrorWithCause(ErrCodeConfiguration, fmt.Sprintf("no migrations for driver %q", driverName), err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		content, err := fs.ReadFile(MigrationFiles, path.Join(dir, name))
		if err != nil {
			return NewErrorWithCause(ErrCodeStorage, fmt.Sprintf("failed to read migration %s", name), err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := db.Exec(stmt); err != nil {
				return NewErrorWithCause(ErrCodeStorage, fmt.Sprintf("failed to apply migration %s", name), err)
			}
		}
	}
	return nil
}
