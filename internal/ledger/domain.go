// Package ledger answers read-only questions over the movement journal:
// kardex, valuation, realized exit costs, stock alerts and rotation.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
)

// costScale matches the precision unit costs are stored with.
const costScale int32 = 6

// DefaultAlertLimit caps stock alert listings.
const DefaultAlertLimit = 15

const (
	// DefaultRotationWindow is the look-back of the rotation report.
	DefaultRotationWindow = 30 * 24 * time.Hour
	// DefaultRotationLimit caps each side of the rotation report.
	DefaultRotationLimit = 10
)

// ErrInvalidRange indicates a period whose start is after its end.
var ErrInvalidRange = errors.New("ledger: start must not be after end")

// KardexQuery selects journal entries. Zero values are unbounded.
type KardexQuery struct {
	ProductID   int64
	WarehouseID int64
	Start       time.Time
	End         time.Time
}

// KardexEntry is one journal movement seen as a stock card row. RunningBalance
// is only set when the query names a product.
type KardexEntry struct {
	MovementID     int64                    `json:"movement_id"`
	Date           time.Time                `json:"date"`
	Kind           inventory.MovementKind   `json:"kind"`
	Reason         inventory.OutboundReason `json:"reason,omitempty"`
	ProductID      int64                    `json:"product_id"`
	WarehouseID    int64                    `json:"warehouse_id"`
	DocumentRef    string                   `json:"document_ref"`
	Entries        decimal.Decimal          `json:"entries"`
	Exits          decimal.Decimal          `json:"exits"`
	UnitCost       decimal.Decimal          `json:"unit_cost"`
	TotalCost      decimal.Decimal          `json:"total_cost"`
	RunningBalance *decimal.Decimal         `json:"running_balance,omitempty"`
}

// ValuationLine values the stock of one product in one warehouse.
// UnitCostRef is the quantity weighted cost of the open lots.
type ValuationLine struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCostRef decimal.Decimal `json:"unit_cost_ref"`
	TotalValue  decimal.Decimal `json:"total_value"`
}

// ValuationSnapshot is the valued stock as of an instant.
type ValuationSnapshot struct {
	AsOf       time.Time       `json:"as_of"`
	Lines      []ValuationLine `json:"lines"`
	GrandTotal decimal.Decimal `json:"grand_total"`
}

// ExitCost is the realized FIFO cost of one outbound movement.
type ExitCost struct {
	MovementID  int64                    `json:"movement_id"`
	Date        time.Time                `json:"date"`
	ProductID   int64                    `json:"product_id"`
	WarehouseID int64                    `json:"warehouse_id"`
	Reason      inventory.OutboundReason `json:"reason"`
	DocumentRef string                   `json:"document_ref"`
	Qty         decimal.Decimal          `json:"qty"`
	UnitCost    decimal.Decimal          `json:"unit_cost"`
	TotalCost   decimal.Decimal          `json:"total_cost"`
}

// ExitCostGroup totals the exits of one product for one reason.
type ExitCostGroup struct {
	ProductID int64                    `json:"product_id"`
	Reason    inventory.OutboundReason `json:"reason"`
	Qty       decimal.Decimal          `json:"qty"`
	TotalCost decimal.Decimal          `json:"total_cost"`
	Count     int                      `json:"count"`
}

// ExitCostReport lists the outbound costs of a period.
type ExitCostReport struct {
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Exits     []ExitCost      `json:"exits"`
	Groups    []ExitCostGroup `json:"groups"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

// AlertLevel grades how far stock sits below the product minimum.
type AlertLevel string

const (
	AlertOutOfStock AlertLevel = "OUT_OF_STOCK"
	AlertCritical   AlertLevel = "CRITICAL"
	AlertLow        AlertLevel = "LOW"
)

// severity orders levels, most urgent first.
func (l AlertLevel) severity() int {
	switch l {
	case AlertOutOfStock:
		return 0
	case AlertCritical:
		return 1
	default:
		return 2
	}
}

// ClassifyStock returns the alert level for stock against min. ok is false
// when min disables alerts or the stock is above it.
func ClassifyStock(stock, min decimal.Decimal) (AlertLevel, bool) {
	if !min.IsPositive() {
		return "", false
	}
	switch {
	case !stock.IsPositive():
		return AlertOutOfStock, true
	case stock.LessThanOrEqual(min.Div(decimal.NewFromInt(2))):
		return AlertCritical, true
	case stock.LessThanOrEqual(min):
		return AlertLow, true
	}
	return "", false
}

// StockAlert flags a product running short across all warehouses.
type StockAlert struct {
	ProductID int64           `json:"product_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Stock     decimal.Decimal `json:"stock"`
	MinStock  decimal.Decimal `json:"min_stock"`
	Level     AlertLevel      `json:"level"`
}

// RotationLine is the outbound quantity of one product over the window.
type RotationLine struct {
	ProductID int64           `json:"product_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UOM       string          `json:"uom"`
	Exits     decimal.Decimal `json:"exits"`
	Stock     decimal.Decimal `json:"stock"`
}

// RotationReport ranks products by outbound quantity. High lists the most
// moved products with at least one exit; Low lists products holding stock,
// least moved first.
type RotationReport struct {
	From time.Time      `json:"from"`
	To   time.Time      `json:"to"`
	High []RotationLine `json:"high"`
	Low  []RotationLine `json:"low"`
}
