// Package backend opens the document store selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"presence-agent/internal/config"
	"presence-agent/internal/db"
	"presence-agent/internal/db/migrate"
	"presence-agent/internal/docstore"
	"presence-agent/internal/docstore/mongo"
	"presence-agent/internal/docstore/postgres"
)

// Open connects to the configured backend. The memory backend is process-local and only useful for a single
// agent or tests.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (docstore.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.DocstoreDriver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory document store; sessions are not shared with other devices")
		return docstore.NewMemoryStore(nil), nil
	case config.DriverPostgres:
		if cfg.DocstoreAutoMigrate {
			if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return nil, fmt.Errorf("backend: migrate: %w", err)
			}
		}
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("backend: postgres: %w", err)
		}
		return postgres.New(pool, logger), nil
	case config.DriverMongo:
		s, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, fmt.Errorf("backend: mongo: %w", err)
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("backend: mongo indexes: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("backend: unknown driver %q", cfg.DocstoreDriver)
	}
}
