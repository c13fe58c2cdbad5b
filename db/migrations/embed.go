// Package dbmigrations exposes the embedded SQL migrations for the logmerge binaries.
package dbmigrations

import "embed"

// Files contains the log_entries and merged_entries schema.
//
//go:embed *.sql
var Files embed.FS
