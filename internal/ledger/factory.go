package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store drivers accepted by NewStore.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StoreConfig selects and configures a Store.
type StoreConfig struct {
	Driver      string
	DatabaseURL string // postgres
	SQLitePath  string // sqlite
}

// NewStore creates the Store named by cfg.Driver and checks it is reachable.
func NewStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverMemory:
		logger.Warn("using in-memory ledger store; entries are lost on restart")
		return NewMemoryStore(), nil

	case DriverPostgres, "postgresql":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return NewPostgresStore(pool, logger), nil

	case DriverSQLite:
		s, err := OpenSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported storage driver %q (want %s, %s or %s)",
		cfg.Driver, DriverPostgres, DriverSQLite, DriverMemory)
}
