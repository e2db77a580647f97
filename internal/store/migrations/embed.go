// Package migrations embeds the SQL migrations of the entry store.
package migrations

import "embed"

// FS holds NNN_name.up.sql files applied in order.
//
//go:embed *.sql
var FS embed.FS
