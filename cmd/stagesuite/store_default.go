//go:build !sqlite && !postgres

package main

import (
	"stagesuite/internal/config"
	"stagesuite/internal/observability"
	"stagesuite/internal/storage"
)

// selectStore returns the in-memory store when built without the 'sqlite'
// or 'postgres' tags. A configured database is ignored with a warning.
func selectStore(logger observability.Logger, cfg *config.Config) (storage.Store, error) {
	if cfg.SQLiteDSN != "" || cfg.DatabaseURL != "" {
		logger.Warn("database configured, but binary not built with -tags sqlite or postgres; using in-memory store")
	}
	logger.Info("using memory store")
	return storage.NewMemoryStore(), nil
}

func sqliteStatus(string) string { return "" }

func postgresStatus(*config.Config) string { return "" }
