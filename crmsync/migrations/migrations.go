// Package migrations embeds the SQL schema of the sync audit log.
package migrations

import "embed"

// FS holds the golang-migrate files, named NNNNNN_name.{up,down}.sql.
//
//go:embed *.sql
var FS embed.FS
