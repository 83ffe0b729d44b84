package procurement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type reader struct {
	q queryer
}

type txRepo struct {
	reader
	tx pgx.Tx
}

// WithTx wraps callback in a read-committed transaction; line locks provide
// the serialisation.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{reader: reader{q: tx}, tx: tx})
	})
	return mapWriteError(err)
}

// Snapshot wraps callback in a repeatable-read read-only transaction.
func (r *Repository) Snapshot(ctx context.Context, fn func(context.Context, ReadRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(ctx, reader{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func mapWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, "receipt_guides_supplier_id_number_key"):
		return ErrDuplicateGuide
	case db.IsUniqueViolation(err, "purchase_orders_number_key"):
		return ErrDuplicateOrder
	case db.IsRetryable(err), db.IsUniqueViolation(err, "order_receipts_pkey"):
		return fmt.Errorf("%w: %v", inventory.ErrConcurrentModification, err)
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %v", inventory.ErrUnknownProductOrWarehouse, err)
	}
	return err
}

const lineColumns = `l.id, l.order_id, l.product_id, l.qty_ordered, l.unit_price, o.currency, l.qty_invoiced`

func scanLine(row pgx.CollectableRow) (OrderLine, error) {
	var line OrderLine
	err := row.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.QtyOrdered, &line.UnitPrice, &line.Currency, &line.QtyInvoiced)
	return line, err
}

func (r reader) GetOrder(ctx context.Context, id int64) (PurchaseOrder, []OrderLine, error) {
	var po PurchaseOrder
	var createdBy *int64
	err := r.q.QueryRow(ctx, `SELECT id, number, supplier_id, currency, ordered_at, created_by FROM purchase_orders WHERE id=$1`, id).
		Scan(&po.ID, &po.Number, &po.SupplierID, &po.Currency, &po.OrderedAt, &createdBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, nil, ErrOrderNotFound
		}
		return PurchaseOrder{}, nil, err
	}
	if createdBy != nil {
		po.CreatedBy = *createdBy
	}
	rows, err := r.q.Query(ctx, `SELECT `+lineColumns+`
FROM purchase_order_lines l JOIN purchase_orders o ON o.id = l.order_id
WHERE l.order_id=$1 ORDER BY l.id`, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	lines, err := pgx.CollectRows(rows, scanLine)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return po, lines, nil
}

func (r reader) Receipts(ctx context.Context, lineIDs []int64) (map[int64][]Receipt, error) {
	out := make(map[int64][]Receipt, len(lineIDs))
	if len(lineIDs) == 0 {
		return out, nil
	}
	rows, err := r.q.Query(ctx, `SELECT order_line_id, receipt_sequence, guide_number, warehouse_id, qty, received_at, COALESCE(actor_id, 0)
FROM order_receipts WHERE order_line_id = ANY($1) ORDER BY order_line_id, receipt_sequence`, lineIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rc Receipt
		if err := rows.Scan(&rc.OrderLineID, &rc.Sequence, &rc.GuideNumber, &rc.WarehouseID, &rc.Qty, &rc.ReceivedAt, &rc.ActorID); err != nil {
			return nil, err
		}
		out[rc.OrderLineID] = append(out[rc.OrderLineID], rc)
	}
	return out, rows.Err()
}

func (r reader) ListOrders(ctx context.Context, supplierID int64) ([]PurchaseOrder, error) {
	rows, err := r.q.Query(ctx, `SELECT id, number, supplier_id, currency, ordered_at, COALESCE(created_by, 0)
FROM purchase_orders WHERE $1::bigint = 0 OR supplier_id = $1 ORDER BY id`, supplierID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (PurchaseOrder, error) {
		var po PurchaseOrder
		err := row.Scan(&po.ID, &po.Number, &po.SupplierID, &po.Currency, &po.OrderedAt, &po.CreatedBy)
		return po, err
	})
}

func (t *txRepo) CreateOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, currency, ordered_at, created_by)
VALUES ($1, $2, $3, $4, NULLIF($5::bigint, 0)) RETURNING id`, po.Number, po.SupplierID, po.Currency, po.OrderedAt, po.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) InsertOrderLine(ctx context.Context, line OrderLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_order_lines (order_id, product_id, qty_ordered, unit_price)
VALUES ($1, $2, $3, $4) RETURNING id`, line.OrderID, line.ProductID, line.QtyOrdered, line.UnitPrice).Scan(&id)
	return id, err
}

func (t *txRepo) LockLine(ctx context.Context, lineID int64) (OrderLine, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.OrderLockKey(lineID)); err != nil {
		return OrderLine{}, err
	}
	rows, err := t.tx.Query(ctx, `SELECT `+lineColumns+`
FROM purchase_order_lines l JOIN purchase_orders o ON o.id = l.order_id
WHERE l.id=$1 FOR UPDATE OF l`, lineID)
	if err != nil {
		return OrderLine{}, err
	}
	line, err := pgx.CollectExactlyOneRow(rows, scanLine)
	if errors.Is(err, pgx.ErrNoRows) {
		return OrderLine{}, ErrOrderLineNotFound
	}
	return line, err
}

func (t *txRepo) NextReceiptSequence(ctx context.Context, lineID int64) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(receipt_sequence), 0) + 1 FROM order_receipts WHERE order_line_id=$1`, lineID).Scan(&seq)
	return seq, err
}

func (t *txRepo) InsertReceipt(ctx context.Context, r Receipt) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO order_receipts (order_line_id, receipt_sequence, guide_number, warehouse_id, qty, received_at, actor_id)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7::bigint, 0))`, r.OrderLineID, r.Sequence, r.GuideNumber, r.WarehouseID, r.Qty, r.ReceivedAt, r.ActorID)
	return err
}

func (t *txRepo) InsertGuide(ctx context.Context, g Guide) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO receipt_guides (supplier_id, number, order_id, received_at)
VALUES ($1, $2, $3, $4) RETURNING id`, g.SupplierID, g.Number, g.OrderID, g.ReceivedAt).Scan(&id)
	if db.IsUniqueViolation(err, "") {
		return 0, ErrDuplicateGuide
	}
	return id, err
}

func (t *txRepo) AddInvoiced(ctx context.Context, lineID int64, qty decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_order_lines SET qty_invoiced = qty_invoiced + $2 WHERE id=$1`, lineID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderLineNotFound
	}
	return nil
}

var _ RepositoryPort = (*Repository)(nil)
