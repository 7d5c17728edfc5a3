package migrations

import "embed"

// FS contains the embedded Postgres schema for the table store.
//
//go:embed *.sql
var FS embed.FS
