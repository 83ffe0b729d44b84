package procurement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// LineStatus tracks how much of an order line has been delivered.
type LineStatus string

const (
	StatusPending           LineStatus = "PENDING"
	StatusPartiallyReceived LineStatus = "PARTIALLY_RECEIVED"
	StatusCompleted         LineStatus = "COMPLETED"
)

// PurchaseOrder header. Lines carry the agreed quantities and prices.
type PurchaseOrder struct {
	ID         int64     `json:"id"`
	Number     string    `json:"number"`
	SupplierID int64     `json:"supplier_id"`
	Currency   string    `json:"currency"`
	OrderedAt  time.Time `json:"ordered_at"`
	CreatedBy  int64     `json:"created_by,omitempty"`
}

// OrderLine is one product ordered from the supplier.
type OrderLine struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	QtyOrdered  decimal.Decimal `json:"qty_ordered"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Currency    string          `json:"currency"`
	QtyInvoiced decimal.Decimal `json:"qty_invoiced"`
}

// Receipt is an immutable delivery against an order line.
type Receipt struct {
	OrderLineID int64           `json:"order_line_id"`
	Sequence    int64           `json:"sequence"`
	GuideNumber string          `json:"guide_number,omitempty"`
	WarehouseID int64           `json:"warehouse_id"`
	Qty         decimal.Decimal `json:"qty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ActorID     int64           `json:"actor_id,omitempty"`
}

// Guide is a supplier delivery note grouping receipts of one order.
type Guide struct {
	ID         int64     `json:"id"`
	SupplierID int64     `json:"supplier_id"`
	Number     string    `json:"number"`
	OrderID    int64     `json:"order_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// LineBalance is the fulfillment position of a line. Pending never goes
// below zero; deliveries past the ordered quantity show in OverReceivedBy.
type LineBalance struct {
	OrderLineID    int64           `json:"order_line_id"`
	ProductID      int64           `json:"product_id"`
	Ordered        decimal.Decimal `json:"ordered"`
	Delivered      decimal.Decimal `json:"delivered"`
	Pending        decimal.Decimal `json:"pending"`
	OverReceivedBy decimal.Decimal `json:"over_received_by"`
	Invoiced       decimal.Decimal `json:"invoiced"`
	Uninvoiced     decimal.Decimal `json:"uninvoiced"`
	Status         LineStatus      `json:"status"`
}

// OrderBalance aggregates the line balances of an order.
type OrderBalance struct {
	OrderID        int64         `json:"order_id"`
	Number         string        `json:"number"`
	SupplierID     int64         `json:"supplier_id"`
	Lines          []LineBalance `json:"lines"`
	FullyCompleted bool          `json:"fully_completed"`
}

// ComputeLineBalance derives the balance of line from its receipts.
func ComputeLineBalance(line OrderLine, receipts []Receipt) LineBalance {
	delivered := decimal.Zero
	for _, r := range receipts {
		delivered = delivered.Add(r.Qty)
	}
	bal := LineBalance{
		OrderLineID:    line.ID,
		ProductID:      line.ProductID,
		Ordered:        line.QtyOrdered,
		Delivered:      delivered,
		Pending:        decimal.Max(line.QtyOrdered.Sub(delivered), decimal.Zero),
		OverReceivedBy: decimal.Max(delivered.Sub(line.QtyOrdered), decimal.Zero),
		Invoiced:       line.QtyInvoiced,
		Uninvoiced:     decimal.Max(delivered.Sub(line.QtyInvoiced), decimal.Zero),
	}
	switch {
	case !delivered.IsPositive():
		bal.Status = StatusPending
	case bal.Pending.IsPositive():
		bal.Status = StatusPartiallyReceived
	default:
		bal.Status = StatusCompleted
	}
	return bal
}

// ComputeOrderBalance builds the order balance. receipts is keyed by line id.
func ComputeOrderBalance(order PurchaseOrder, lines []OrderLine, receipts map[int64][]Receipt) OrderBalance {
	out := OrderBalance{OrderID: order.ID, Number: order.Number, SupplierID: order.SupplierID, Lines: make([]LineBalance, 0, len(lines)), FullyCompleted: true}
	for _, line := range lines {
		bal := ComputeLineBalance(line, receipts[line.ID])
		if bal.Pending.IsPositive() {
			out.FullyCompleted = false
		}
		out.Lines = append(out.Lines, bal)
	}
	return out
}

var (
	// ErrOrderNotFound indicates an unknown purchase order.
	ErrOrderNotFound = errors.New("procurement: order not found")
	// ErrOrderLineNotFound indicates an unknown order line.
	ErrOrderLineNotFound = errors.New("procurement: order line not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrDuplicateGuide indicates the supplier already delivered a guide with that number.
	ErrDuplicateGuide = errors.New("procurement: guide number already registered for supplier")
	// ErrDuplicateOrder indicates the order number is taken.
	ErrDuplicateOrder = errors.New("procurement: order number already exists")
	// ErrInvoiceExceedsDelivered indicates an invoice for goods not yet received.
	ErrInvoiceExceedsDelivered = errors.New("procurement: invoiced quantity exceeds delivered quantity")
)
