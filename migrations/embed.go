// Package migrations embeds the SQLite schema migrations.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
