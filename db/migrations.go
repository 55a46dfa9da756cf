// Package db embeds the Postgres schema migrations.
package db

import "embed"

// Migrations holds the pg/ migration files, applied in version order.
//
//go:embed pg/*.sql
var Migrations embed.FS
