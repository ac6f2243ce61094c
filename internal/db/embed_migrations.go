package db

import "embed"

// MigrationFS embeds the SQL migrations that create the metrics and snapshots tables and their time-ordered indexes.
// Used by the migrate runner (cmd/migrate and server startup when AUTO_MIGRATE is set).
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
