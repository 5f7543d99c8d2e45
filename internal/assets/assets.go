package assets

import "embed"

// MigrationsFS holds the SQL migrations applied by db.RunMigrations.
//
//go:embed all:migrations
var MigrationsFS embed.FS
