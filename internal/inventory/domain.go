package inventory

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// costScale is the number of decimal places kept for unit costs.
const costScale int32 = 6

// MovementKind classifies journal entries.
type MovementKind string

const (
	MovementReceipt     MovementKind = "RECEIPT"
	MovementTransferOut MovementKind = "TRANSFER_OUT"
	MovementTransferIn  MovementKind = "TRANSFER_IN"
	MovementOutbound    MovementKind = "OUTBOUND"
)

// Valid reports whether k is one of the known kinds.
func (k MovementKind) Valid() bool {
	switch k {
	case MovementReceipt, MovementTransferOut, MovementTransferIn, MovementOutbound:
		return true
	}
	return false
}

// Inbound reports whether the movement adds stock to its key.
func (k MovementKind) Inbound() bool {
	return k == MovementReceipt || k == MovementTransferIn
}

// OutboundReason qualifies OUTBOUND movements.
type OutboundReason string

const (
	ReasonSale        OutboundReason = "VENTA"
	ReasonWaste       OutboundReason = "MERMA"
	ReasonConsumption OutboundReason = "CONSUMO"
	ReasonAdjustment  OutboundReason = "AJUSTE"
)

// ParseOutboundReason normalises raw into a known reason.
func ParseOutboundReason(raw string) (OutboundReason, error) {
	reason := OutboundReason(strings.ToUpper(strings.TrimSpace(raw)))
	switch reason {
	case ReasonSale, ReasonWaste, ReasonConsumption, ReasonAdjustment:
		return reason, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReason, raw)
}

// StockKey identifies the stock of one product in one warehouse.
type StockKey struct {
	ProductID   int64 `json:"product_id"`
	WarehouseID int64 `json:"warehouse_id"`
}

// Valid reports whether both identifiers are set.
func (k StockKey) Valid() bool {
	return k.ProductID > 0 && k.WarehouseID > 0
}

func (k StockKey) String() string {
	return fmt.Sprintf("product %d @ warehouse %d", k.ProductID, k.WarehouseID)
}

// SortKeys returns the distinct keys in global lock order: warehouse first,
// then product. Every writer acquires its keys in this order.
func SortKeys(keys []StockKey) []StockKey {
	out := slices.Clone(keys)
	slices.SortFunc(out, func(a, b StockKey) int {
		if c := cmp.Compare(a.WarehouseID, b.WarehouseID); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return slices.Compact(out)
}

// LotRef addresses a cost lot by its key and per-key sequence.
type LotRef struct {
	ProductID   int64 `json:"product_id"`
	WarehouseID int64 `json:"warehouse_id"`
	Sequence    int64 `json:"sequence"`
}

// Key returns the stock key owning the lot.
func (r LotRef) Key() StockKey {
	return StockKey{ProductID: r.ProductID, WarehouseID: r.WarehouseID}
}

// Lot is a quantity acquired at a single unit cost. Lots are never deleted;
// exhausted lots keep QtyRemaining at zero.
type Lot struct {
	Ref          LotRef          `json:"ref"`
	QtyReceived  decimal.Decimal `json:"qty_received"`
	QtyRemaining decimal.Decimal `json:"qty_remaining"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	SourceRef    string          `json:"source_ref"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Open reports whether the lot still holds stock.
func (l Lot) Open() bool {
	return l.QtyRemaining.IsPositive()
}

// Value is the remaining quantity priced at the lot cost.
func (l Lot) Value() decimal.Decimal {
	return l.QtyRemaining.Mul(l.UnitCost)
}

// Allocation records how much of a lot a movement added or consumed.
type Allocation struct {
	Lot      LotRef          `json:"lot"`
	Qty      decimal.Decimal `json:"qty"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

// Cost is the allocated quantity priced at the lot cost.
func (a Allocation) Cost() decimal.Decimal {
	return a.Qty.Mul(a.UnitCost)
}

// Consumption is the outcome of a FIFO consume.
type Consumption struct {
	Allocations []Allocation    `json:"allocations"`
	Qty         decimal.Decimal `json:"qty"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// WeightedUnitCost is the average cost of the consumed quantity.
func (c Consumption) WeightedUnitCost() decimal.Decimal {
	if !c.Qty.IsPositive() {
		return decimal.Zero
	}
	return c.TotalCost.DivRound(c.Qty, costScale)
}

// Movement is an immutable journal entry. Allocations reference lots by
// LotRef; inbound movements carry the lots they created.
type Movement struct {
	ID                     int64           `json:"id"`
	Kind                   MovementKind    `json:"kind"`
	Reason                 OutboundReason  `json:"reason,omitempty"`
	ProductID              int64           `json:"product_id"`
	WarehouseID            int64           `json:"warehouse_id"`
	CounterpartWarehouseID int64           `json:"counterpart_warehouse_id,omitempty"`
	Qty                    decimal.Decimal `json:"qty"`
	UnitCost               decimal.Decimal `json:"unit_cost"`
	TotalCost              decimal.Decimal `json:"total_cost"`
	DocumentRef            string          `json:"document_ref"`
	DestinationRef         string          `json:"destination_ref,omitempty"`
	Allocations            []Allocation    `json:"allocations"`
	ActorID                int64           `json:"actor_id,omitempty"`
	OccurredAt             time.Time       `json:"occurred_at"`
}

// Key returns the stock key the movement applies to.
func (m Movement) Key() StockKey {
	return StockKey{ProductID: m.ProductID, WarehouseID: m.WarehouseID}
}

// SignedQty is positive for inbound and negative for outbound movements.
func (m Movement) SignedQty() decimal.Decimal {
	if m.Kind.Inbound() {
		return m.Qty
	}
	return m.Qty.Neg()
}

// SignedCost is positive for inbound and negative for outbound movements.
func (m Movement) SignedCost() decimal.Decimal {
	if m.Kind.Inbound() {
		return m.TotalCost
	}
	return m.TotalCost.Neg()
}

// Product is a catalog item. MinStock drives stock alerts; zero disables them.
type Product struct {
	ID       int64           `json:"id"`
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	UOM      string          `json:"uom"`
	MinStock decimal.Decimal `json:"min_stock"`
}

// Warehouse is a storage location.
type Warehouse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// MovementFilter narrows journal reads. Zero ids match any; zero times are
// unbounded. Both bounds are inclusive.
type MovementFilter struct {
	ProductID   int64
	WarehouseID int64
	From        time.Time
	To          time.Time
}

// Matches reports whether m satisfies the filter.
func (f MovementFilter) Matches(m Movement) bool {
	if f.ProductID != 0 && m.ProductID != f.ProductID {
		return false
	}
	if f.WarehouseID != 0 && m.WarehouseID != f.WarehouseID {
		return false
	}
	if !f.From.IsZero() && m.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.OccurredAt.After(f.To) {
		return false
	}
	return true
}

var (
	// ErrInvalidQuantity indicates quantity invalid.
	ErrInvalidQuantity = errors.New("inventory: quantity must be greater than zero")
	// ErrInvalidUnitCost indicates unit cost invalid.
	ErrInvalidUnitCost = errors.New("inventory: unit cost must not be negative")
	// ErrInsufficientStock indicates a consume larger than the available stock.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrUnknownProductOrWarehouse indicates a missing catalog reference.
	ErrUnknownProductOrWarehouse = errors.New("inventory: unknown product or warehouse")
	// ErrSameWarehouseTransfer indicates origin and destination are equal.
	ErrSameWarehouseTransfer = errors.New("inventory: source and destination warehouse must differ")
	// ErrConcurrentModification indicates a write lost a race and may be retried.
	ErrConcurrentModification = errors.New("inventory: concurrent modification")
	// ErrInvalidReason indicates an unknown outbound reason.
	ErrInvalidReason = errors.New("inventory: invalid outbound reason")
	// ErrInvalidCurrency indicates an unknown ISO 4217 code.
	ErrInvalidCurrency = errors.New("inventory: invalid currency")
	// ErrInvalidFXRate indicates a missing or non-positive exchange rate.
	ErrInvalidFXRate = errors.New("inventory: exchange rate must be greater than zero")
	// ErrEmptyDocument indicates a document without lines.
	ErrEmptyDocument = errors.New("inventory: document requires at least one line")
)

// ShortageError reports how much stock a rejected consume found.
type ShortageError struct {
	Key       StockKey
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for %s: requested %s, available %s", e.Key, e.Requested, e.Available)
}

func (e *ShortageError) Unwrap() error {
	return ErrInsufficientStock
}
