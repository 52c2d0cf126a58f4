package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/database"
	"github.com/opsrelay/opsrelay/internal/common/logger"
)

// Provide builds the configured store backend. A configured database host
// selects PostgreSQL; otherwise the embedded SQLite store at sqlite.path is
// used.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	if cfg.Database.Host != "" {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s, err := NewPostgresStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("Using PostgreSQL store",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
		return s, s.Close, nil
	}

	s, err := NewSQLiteStore(cfg.SQLite.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	log.Info("Using SQLite store", zap.String("path", cfg.SQLite.Path))
	return s, s.Close, nil
}
