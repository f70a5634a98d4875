package migrations

import "embed"

// FS contains embedded SQLite migrations for consensus storage.
//
//go:embed *.sql
var FS embed.FS
