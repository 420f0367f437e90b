// Package migrations embeds the SQL migration files so they run regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in file name order.
//
//go:embed *.sql
var FS embed.FS
