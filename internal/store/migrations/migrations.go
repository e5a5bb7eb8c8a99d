// Copyright 2025 James Ross
// Package migrations embeds the forward-only SQL migrations that create
// the batches/requests/batch_transitions/request_delivery_attempts tables
// and the triggers that maintain Batch aggregates, per spec.md §3 and §4.2.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed sqlite/*.sql
var sqliteFS embed.FS

// Run applies every pending migration for the given driver ("postgres" or
// "sqlite3") against db.
func Run(db *sql.DB, driver string) error {
	var fsys embed.FS
	var dir string
	switch driver {
	case "postgres":
		fsys, dir = postgresFS, "postgres"
	case "sqlite3":
		fsys, dir = sqliteFS, "sqlite"
	default:
		return goose.ErrNoCurrentVersion
	}
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(gooseDialect(driver)); err != nil {
		return err
	}
	return goose.Up(db, dir)
}

func gooseDialect(driver string) string {
	if driver == "sqlite3" {
		return "sqlite3"
	}
	return "postgres"
}
