// Package postgres embeds the PostgreSQL schema migrations.
package postgres

import "embed"

//go:embed *.up.sql
var Files embed.FS
