//go:build sqlite && !postgres

package main

import (
	"stagesuite/internal/config"
	"stagesuite/internal/observability"
	"stagesuite/internal/storage"
	sqlitestore "stagesuite/internal/storage/sqlite"
)

// selectStore returns a SQLite-backed store when built with the 'sqlite' tag.
// Configure with SQLITE_DSN or sqlite_dsn.
func selectStore(logger observability.Logger, cfg *config.Config) (storage.Store, error) {
	dsn := sqliteDSN(cfg)
	st, err := sqlitestore.New(dsn)
	if err != nil {
		return nil, err
	}
	logger.Info("using sqlite store", "dsn", dsn)
	return st, nil
}

func sqliteStatus(dsn string) string {
	s, err := sqlitestore.Status(dsn)
	if err != nil {
		return ""
	}
	return s
}

func postgresStatus(*config.Config) string { return "" }
