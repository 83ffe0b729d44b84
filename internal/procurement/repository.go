package procurement

import (
	"context"

	"github.com/shopspring/decimal"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	// WithTx runs writes. Line locks taken inside are held until it returns.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// Snapshot runs reads against one consistent view.
	Snapshot(ctx context.Context, fn func(context.Context, ReadRepository) error) error
}

// ReadRepository exposes order reads.
type ReadRepository interface {
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, []OrderLine, error)
	Receipts(ctx context.Context, lineIDs []int64) (map[int64][]Receipt, error)
	ListOrders(ctx context.Context, supplierID int64) ([]PurchaseOrder, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	ReadRepository
	CreateOrder(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertOrderLine(ctx context.Context, line OrderLine) (int64, error)
	// LockLine serialises receipts and invoices against a line.
	LockLine(ctx context.Context, lineID int64) (OrderLine, error)
	NextReceiptSequence(ctx context.Context, lineID int64) (int64, error)
	InsertReceipt(ctx context.Context, r Receipt) error
	InsertGuide(ctx context.Context, g Guide) (int64, error)
	AddInvoiced(ctx context.Context, lineID int64, qty decimal.Decimal) error
}
