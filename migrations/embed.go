package migrations

import "embed"

// Files embeds the SQL migrations applied by platform/db.Migrate.
//
//go:embed *.sql
var Files embed.FS
