package db

import "embed"

// MigrationFS embeds the versioned schema files (NNNN_description.up.sql / .down.sql).
// Read by internal/db/migrate through golang-migrate's iofs source driver.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
