// Package migrations holds the engine schema, embedded into the binary and
// applied at startup by database.RunMigrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
