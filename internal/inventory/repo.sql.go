package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const defaultPageSize = 500

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool     *pgxpool.Pool
	pageSize int
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, pageSize: defaultPageSize}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a read-committed transaction. Writers
// serialise through advisory locks taken by LockKeys.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return mapWriteError(err)
}

func mapWriteError(err error) error {
	if err == nil || errors.Is(err, ErrConcurrentModification) {
		return err
	}
	if db.IsRetryable(err) || db.IsUniqueViolation(err, "cost_lots_pkey") {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	return err
}

const lotColumns = `product_id, warehouse_id, sequence, qty_received, qty_remaining, unit_cost, source_ref, received_at`

func scanLot(row pgx.CollectableRow) (Lot, error) {
	var lot Lot
	err := row.Scan(&lot.Ref.ProductID, &lot.Ref.WarehouseID, &lot.Ref.Sequence, &lot.QtyReceived, &lot.QtyRemaining, &lot.UnitCost, &lot.SourceRef, &lot.ReceivedAt)
	return lot, err
}

// OpenLots returns the committed open lots of key.
func (r *Repository) OpenLots(ctx context.Context, key StockKey) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM cost_lots
WHERE product_id=$1 AND warehouse_id=$2 AND qty_remaining > 0
ORDER BY sequence`, key.ProductID, key.WarehouseID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanLot)
}

// AllOpenLots returns every open lot.
func (r *Repository) AllOpenLots(ctx context.Context) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM cost_lots
WHERE qty_remaining > 0
ORDER BY product_id, warehouse_id, sequence`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanLot)
}

// AvailableByProduct totals open quantity per product.
func (r *Repository) AvailableByProduct(ctx context.Context) (map[int64]decimal.Decimal, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, SUM(qty_remaining) FROM cost_lots GROUP BY product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var productID int64
		var qty decimal.Decimal
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		out[productID] = qty
	}
	return out, rows.Err()
}

// NetQuantityBefore sums signed quantities journaled before the instant.
func (r *Repository) NetQuantityBefore(ctx context.Context, productID, warehouseID int64, before time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN kind IN ('RECEIPT','TRANSFER_IN') THEN qty ELSE -qty END), 0)
FROM movements
WHERE product_id=$1 AND ($2::bigint = 0 OR warehouse_id=$2) AND occurred_at < $3`, productID, warehouseID, before).Scan(&total)
	return total, err
}

// Movements yields matching movements in id order. Pages are read inside one
// repeatable-read snapshot held for the duration of the iteration.
func (r *Repository) Movements(ctx context.Context, filter MovementFilter) iter.Seq2[Movement, error] {
	return func(yield func(Movement, error) bool) {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
		if err != nil {
			yield(Movement{}, fmt.Errorf("inventory: begin journal snapshot: %w", err))
			return
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()
		var after int64
		for {
			page, err := r.movementPage(ctx, tx, filter, after)
			if err != nil {
				yield(Movement{}, err)
				return
			}
			for _, mv := range page {
				if !yield(mv, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (r *Repository) movementPage(ctx context.Context, tx pgx.Tx, filter MovementFilter, after int64) ([]Movement, error) {
	rows, err := tx.Query(ctx, `SELECT id, kind, reason, product_id, warehouse_id, COALESCE(counterpart_warehouse_id, 0),
       qty, unit_cost, total_cost, document_ref, destination_ref, allocations, COALESCE(actor_id, 0), occurred_at
FROM movements
WHERE id > $1
  AND ($2::bigint = 0 OR product_id = $2)
  AND ($3::bigint = 0 OR warehouse_id = $3)
  AND occurred_at >= COALESCE($4::timestamptz, '-infinity'::timestamptz)
  AND occurred_at <= COALESCE($5::timestamptz, 'infinity'::timestamptz)
ORDER BY id
LIMIT $6`, after, filter.ProductID, filter.WarehouseID, nullTime(filter.From), nullTime(filter.To), r.pageSize)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanMovement)
}

// DocumentMovements returns the committed movements of kind under ref.
func (r *Repository) DocumentMovements(ctx context.Context, kind MovementKind, ref string) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, kind, reason, product_id, warehouse_id, COALESCE(counterpart_warehouse_id, 0),
       qty, unit_cost, total_cost, document_ref, destination_ref, allocations, COALESCE(actor_id, 0), occurred_at
FROM movements
WHERE document_ref = $1 AND kind = $2
ORDER BY id`, ref, string(kind))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanMovement)
}

func scanMovement(row pgx.CollectableRow) (Movement, error) {
	var (
		mv          Movement
		kind        string
		reason      string
		allocations []byte
	)
	if err := row.Scan(&mv.ID, &kind, &reason, &mv.ProductID, &mv.WarehouseID, &mv.CounterpartWarehouseID,
		&mv.Qty, &mv.UnitCost, &mv.TotalCost, &mv.DocumentRef, &mv.DestinationRef, &allocations, &mv.ActorID, &mv.OccurredAt); err != nil {
		return Movement{}, err
	}
	mv.Kind = MovementKind(kind)
	mv.Reason = OutboundReason(reason)
	if err := json.Unmarshal(allocations, &mv.Allocations); err != nil {
		return Movement{}, fmt.Errorf("inventory: decode allocations of movement %d: %w", mv.ID, err)
	}
	return mv, nil
}

// UpsertProduct inserts by SKU or updates by id.
func (r *Repository) UpsertProduct(ctx context.Context, p Product) (Product, error) {
	if p.ID == 0 {
		err := r.pool.QueryRow(ctx, `INSERT INTO products (sku, name, uom, min_stock) VALUES ($1,$2,$3,$4)
ON CONFLICT (sku) DO UPDATE SET name=EXCLUDED.name, uom=EXCLUDED.uom, min_stock=EXCLUDED.min_stock
RETURNING id`, p.SKU, p.Name, p.UOM, p.MinStock).Scan(&p.ID)
		return p, err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE products SET sku=$2, name=$3, uom=$4, min_stock=$5 WHERE id=$1`, p.ID, p.SKU, p.Name, p.UOM, p.MinStock)
	if err != nil {
		return Product{}, err
	}
	if tag.RowsAffected() == 0 {
		return Product{}, ErrUnknownProductOrWarehouse
	}
	return p, nil
}

// UpsertWarehouse inserts by name or updates by id.
func (r *Repository) UpsertWarehouse(ctx context.Context, w Warehouse) (Warehouse, error) {
	if w.ID == 0 {
		err := r.pool.QueryRow(ctx, `INSERT INTO warehouses (name, location) VALUES ($1,$2)
ON CONFLICT (name) DO UPDATE SET location=EXCLUDED.location
RETURNING id`, w.Name, w.Location).Scan(&w.ID)
		return w, err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE warehouses SET name=$2, location=$3 WHERE id=$1`, w.ID, w.Name, w.Location)
	if err != nil {
		return Warehouse{}, err
	}
	if tag.RowsAffected() == 0 {
		return Warehouse{}, ErrUnknownProductOrWarehouse
	}
	return w, nil
}

// ListProducts returns the catalog ordered by id.
func (r *Repository) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, sku, name, uom, min_stock FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Product, error) {
		var p Product
		err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.UOM, &p.MinStock)
		return p, err
	})
}

// ListWarehouses returns warehouses ordered by id.
func (r *Repository) ListWarehouses(ctx context.Context) ([]Warehouse, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, location FROM warehouses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Warehouse, error) {
		var w Warehouse
		err := row.Scan(&w.ID, &w.Name, &w.Location)
		return w, err
	})
}

func (r *txRepository) LockKeys(ctx context.Context, keys []StockKey) error {
	for _, key := range SortKeys(keys) {
		if _, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.StockLockKey(key.ProductID, key.WarehouseID)); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) CheckKey(ctx context.Context, key StockKey) error {
	var ok bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id=$1) AND EXISTS (SELECT 1 FROM warehouses WHERE id=$2)`,
		key.ProductID, key.WarehouseID).Scan(&ok)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownProductOrWarehouse
	}
	return nil
}

func (r *txRepository) OpenLots(ctx context.Context, key StockKey) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lotColumns+` FROM cost_lots
WHERE product_id=$1 AND warehouse_id=$2 AND qty_remaining > 0
ORDER BY sequence
FOR UPDATE`, key.ProductID, key.WarehouseID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanLot)
}

func (r *txRepository) NextSequence(ctx context.Context, key StockKey) (int64, error) {
	var seq int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM cost_lots WHERE product_id=$1 AND warehouse_id=$2`,
		key.ProductID, key.WarehouseID).Scan(&seq)
	return seq, err
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO cost_lots (`+lotColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		lot.Ref.ProductID, lot.Ref.WarehouseID, lot.Ref.Sequence, lot.QtyReceived, lot.QtyRemaining, lot.UnitCost, lot.SourceRef, lot.ReceivedAt)
	return err
}

func (r *txRepository) UpdateLotRemaining(ctx context.Context, ref LotRef, remaining decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE cost_lots SET qty_remaining=$4 WHERE product_id=$1 AND warehouse_id=$2 AND sequence=$3`,
		ref.ProductID, ref.WarehouseID, ref.Sequence, remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (r *txRepository) AppendMovement(ctx context.Context, m Movement) (Movement, error) {
	if !m.Kind.Valid() {
		return Movement{}, fmt.Errorf("inventory: invalid movement kind %q", m.Kind)
	}
	allocations, err := json.Marshal(m.Allocations)
	if err != nil {
		return Movement{}, err
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = time.Now().UTC()
	}
	err = r.tx.QueryRow(ctx, `INSERT INTO movements (kind, reason, product_id, warehouse_id, counterpart_warehouse_id, qty, unit_cost, total_cost,
	document_ref, destination_ref, allocations, actor_id, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		string(m.Kind), string(m.Reason), m.ProductID, m.WarehouseID, nullInt(m.CounterpartWarehouseID), m.Qty, m.UnitCost, m.TotalCost,
		m.DocumentRef, m.DestinationRef, allocations, nullInt(m.ActorID), m.OccurredAt).Scan(&m.ID)
	if err != nil {
		return Movement{}, err
	}
	return m, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ JournalReader  = (*Repository)(nil)
)
