// Package migrations embeds the SQL migration files for the metadata store.
package migrations

import "embed"

// FS holds the numbered up/down migration pairs.
//
//go:embed *.sql
var FS embed.FS
