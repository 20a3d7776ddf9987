// Package assets bundles the example relational schema used by the
// quickstart configuration.
package assets

import "embed"

const (
	PostgresMigrationDir = "migrations/postgres"
	MySQLMigrationDir    = "migrations/mysql"
	SQLiteMigrationDir   = "migrations/sqlite"
)

//go:embed migrations/*
var EmbedMigrations embed.FS
