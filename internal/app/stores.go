package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/procurement"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/migrations"
)

// Auditor records audit entries.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// KeyStore guards document references against double posting.
type KeyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Stores holds the persistence backends selected by LEDGER_STORE.
type Stores struct {
	Inventory   inventory.RepositoryPort
	Journal     inventory.JournalReader
	Procurement procurement.RepositoryPort
	Audit       Auditor
	Keys        KeyStore
	// Pool is nil for the memory store.
	Pool *pgxpool.Pool
}

// OpenStores connects the configured store, applying migrations first when
// PG_AUTO_MIGRATE is set.
func OpenStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*Stores, error) {
	if !cfg.UsePostgres() {
		repo := inventory.NewMemoryRepository()
		logger.Warn("using in-memory ledger store; data is lost on restart")
		return &Stores{
			Inventory:   repo,
			Journal:     repo,
			Procurement: procurement.NewMemoryRepository(),
			Audit:       shared.NewLogAuditor(logger),
			Keys:        shared.NewMemoryIdempotencyStore(),
		}, nil
	}
	if cfg.PGAutoMigrate {
		if err := db.Migrate(cfg.PGDSN, migrations.Files, logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	repo := inventory.NewRepository(pool)
	return &Stores{
		Inventory:   repo,
		Journal:     repo,
		Procurement: procurement.NewRepository(pool),
		Audit:       shared.NewAuditLogger(pool),
		Keys:        shared.NewIdempotencyStore(pool),
		Pool:        pool,
	}, nil
}

// Ping checks the database connection. The memory store is always ready.
func (s *Stores) Ping(ctx context.Context) error {
	if s == nil || s.Pool == nil {
		return nil
	}
	return s.Pool.Ping(ctx)
}

// Close releases the pool.
func (s *Stores) Close() {
	if s != nil && s.Pool != nil {
		s.Pool.Close()
	}
}
