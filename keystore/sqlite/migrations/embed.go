package migrations

import "embed"

// FS contains embedded SQLite migrations for the key store.
//
//go:embed *.sql
var FS embed.FS
