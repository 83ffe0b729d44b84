package inventory

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	OpenLots(ctx context.Context, key StockKey) ([]Lot, error)
	// DocumentMovements returns the committed movements of kind journaled
	// under ref, in journal order.
	DocumentMovements(ctx context.Context, kind MovementKind, ref string) ([]Movement, error)
	CatalogStore
}

// TxRepository exposes transactional operations used by the lot store and
// the movement processor.
type TxRepository interface {
	// LockKeys blocks until the caller owns every key for the rest of the
	// transaction. Callers pass all keys they will write in a single call.
	LockKeys(ctx context.Context, keys []StockKey) error
	CheckKey(ctx context.Context, key StockKey) error
	OpenLots(ctx context.Context, key StockKey) ([]Lot, error)
	NextSequence(ctx context.Context, key StockKey) (int64, error)
	InsertLot(ctx context.Context, lot Lot) error
	UpdateLotRemaining(ctx context.Context, ref LotRef, remaining decimal.Decimal) error
	AppendMovement(ctx context.Context, m Movement) (Movement, error)
}

// CatalogStore manages the product and warehouse references.
type CatalogStore interface {
	UpsertProduct(ctx context.Context, p Product) (Product, error)
	UpsertWarehouse(ctx context.Context, w Warehouse) (Warehouse, error)
	ListProducts(ctx context.Context) ([]Product, error)
	ListWarehouses(ctx context.Context) ([]Warehouse, error)
}

// JournalReader serves consistent reads of the movement journal and lots.
type JournalReader interface {
	// Movements yields matching movements in journal order. The sequence is
	// bounded by the journal as it stood when iteration started.
	Movements(ctx context.Context, filter MovementFilter) iter.Seq2[Movement, error]
	// NetQuantityBefore is the signed quantity journaled strictly before the
	// instant. A zero warehouse id aggregates every warehouse.
	NetQuantityBefore(ctx context.Context, productID, warehouseID int64, before time.Time) (decimal.Decimal, error)
	AllOpenLots(ctx context.Context) ([]Lot, error)
	AvailableByProduct(ctx context.Context) (map[int64]decimal.Decimal, error)
	ListProducts(ctx context.Context) ([]Product, error)
}
