//go:build sqlite && postgres

package main

import (
	"stagesuite/internal/config"
	"stagesuite/internal/observability"
	"stagesuite/internal/storage"
	pgstore "stagesuite/internal/storage/postgres"
	sqlitestore "stagesuite/internal/storage/sqlite"
)

// selectStore picks PostgreSQL if a database URL is configured, otherwise SQLite.
func selectStore(logger observability.Logger, cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		st, err := pgstore.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres store")
		return st, nil
	}
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

func postgresStatus(cfg *config.Config) string {
	if cfg.DatabaseURL == "" {
		return ""
	}
	s, err := pgstore.Status(cfg.DatabaseURL)
	if err != nil {
		return ""
	}
	return s
}
