package procurement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
)

// ReceiptsRecordedEvent announces deliveries committed against an order.
type ReceiptsRecordedEvent struct {
	OrderID     int64     `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	SupplierID  int64     `json:"supplier_id"`
	GuideNumber string    `json:"guide_number,omitempty"`
	Receipts    []Receipt `json:"receipts"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// InvoiceRegisteredEvent announces the cost lots created by an invoice.
type InvoiceRegisteredEvent struct {
	OrderID      int64           `json:"order_id"`
	DocumentRef  string          `json:"document_ref"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	Lots         []inventory.Lot `json:"lots"`
	RegisteredAt time.Time       `json:"registered_at"`
}
