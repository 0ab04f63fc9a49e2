// Package dbmigrations exposes the embedded SQL migrations bundled into
// aggregator binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS
