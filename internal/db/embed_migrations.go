package db

import "embed"

// MigrationFS embeds the document store schema from internal/db/migrations.
// Used by the migrate runner (cmd/migrate) and by the agent when DOCSTORE_AUTO_MIGRATE is set.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
