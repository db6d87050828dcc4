// Package db ships the billing schema migrations embedded in the binary.
package db

import "embed"

// Migrations holds the goose SQL migrations, applied via pg.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS
