package procurement

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	opCreateOrder = "create_order"
	opReceipt     = "receipt"
	opGuide       = "guide"
	opInvoice     = "invoice"
)

// InventoryPort exposes required inventory integration.
type InventoryPort interface {
	RegisterPurchase(ctx context.Context, input inventory.PurchaseInput) (inventory.PurchaseResult, error)
	PostedPurchase(ctx context.Context, ref string) (inventory.PurchaseResult, bool, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort rejects invoices that were already registered.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	BaseCurrency string
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Metrics      inventory.MetricsRecorder
	Clock        func() time.Time
}

// Service orchestrates procurement flows.
type Service struct {
	repo        RepositoryPort
	inventory   InventoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	events      EventHandler
	logger      *slog.Logger
	metrics     inventory.MetricsRecorder
	base        string
	maxRetries  int
	backoff     time.Duration
	clock       func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, inv InventoryPort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig, events EventHandler) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.MaxRetries
	switch {
	case retries == 0:
		retries = inventory.DefaultMaxRetries
	case retries < 0:
		retries = 0
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:        repo,
		inventory:   inv,
		audit:       audit,
		idempotency: idem,
		events:      events,
		logger:      logger.With(slog.String("module", "procurement")),
		metrics:     cfg.Metrics,
		base:        defaultString(strings.ToUpper(cfg.BaseCurrency), "PEN"),
		maxRetries:  retries,
		backoff:     backoff,
		clock:       clock,
	}
}

// OrderLineInput describes an ordered product.
type OrderLineInput struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitPrice decimal.Decimal
}

// CreateOrderInput describes a purchase order.
type CreateOrderInput struct {
	Number     string
	SupplierID int64
	Currency   string
	OrderedAt  time.Time
	ActorID    int64
	Lines      []OrderLineInput
}

// OrderDetail is an order with its lines.
type OrderDetail struct {
	Order PurchaseOrder `json:"order"`
	Lines []OrderLine   `json:"lines"`
}

// CreatePurchaseOrder persists the header and lines.
func (s *Service) CreatePurchaseOrder(ctx context.Context, input CreateOrderInput) (OrderDetail, error) {
	if input.SupplierID <= 0 {
		return OrderDetail{}, fmt.Errorf("%w: supplier required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return OrderDetail{}, fmt.Errorf("%w: minimal 1 line", ErrValidation)
	}
	code := defaultString(strings.ToUpper(strings.TrimSpace(input.Currency)), s.base)
	if _, err := currency.ParseISO(code); err != nil {
		return OrderDetail{}, fmt.Errorf("%w: currency %q", ErrValidation, input.Currency)
	}
	for i, line := range input.Lines {
		if line.ProductID <= 0 || !line.Qty.IsPositive() || line.UnitPrice.IsNegative() {
			return OrderDetail{}, fmt.Errorf("%w: line %d", ErrValidation, i+1)
		}
	}
	order := PurchaseOrder{
		Number:     defaultString(input.Number, generateNumber("OC", s.clock())),
		SupplierID: input.SupplierID,
		Currency:   code,
		OrderedAt:  input.OrderedAt,
		CreatedBy:  input.ActorID,
	}
	if order.OrderedAt.IsZero() {
		order.OrderedAt = s.clock()
	}
	var detail OrderDetail
	err := s.runTx(ctx, opCreateOrder, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateOrder(ctx, order)
		if err != nil {
			return err
		}
		detail = OrderDetail{Order: order, Lines: make([]OrderLine, 0, len(input.Lines))}
		detail.Order.ID = id
		for _, in := range input.Lines {
			line := OrderLine{OrderID: id, ProductID: in.ProductID, QtyOrdered: in.Qty, UnitPrice: in.UnitPrice, Currency: code, QtyInvoiced: decimal.Zero}
			lineID, err := tx.InsertOrderLine(ctx, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			detail.Lines = append(detail.Lines, line)
		}
		return nil
	})
	if err != nil {
		return OrderDetail{}, err
	}
	s.recordAudit(ctx, input.ActorID, opCreateOrder, order.Number, map[string]any{"order_id": detail.Order.ID, "lines": len(detail.Lines)})
	return detail, nil
}

// GetOrder returns an order with its lines.
func (s *Service) GetOrder(ctx context.Context, id int64) (OrderDetail, error) {
	var detail OrderDetail
	err := s.repo.Snapshot(ctx, func(ctx context.Context, r ReadRepository) error {
		order, lines, err := r.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		detail = OrderDetail{Order: order, Lines: lines}
		return nil
	})
	return detail, err
}

// ListOrders returns orders, optionally of one supplier.
func (s *Service) ListOrders(ctx context.Context, supplierID int64) ([]PurchaseOrder, error) {
	var orders []PurchaseOrder
	err := s.repo.Snapshot(ctx, func(ctx context.Context, r ReadRepository) error {
		var err error
		orders, err = r.ListOrders(ctx, supplierID)
		return err
	})
	return orders, err
}

// ReceiptInput records a delivery against one order line.
type ReceiptInput struct {
	OrderLineID int64
	WarehouseID int64
	Qty         decimal.Decimal
	ReceivedAt  time.Time
	GuideNumber string
	ActorID     int64
}

// ReceiptResult reports the stored receipt and the resulting line balance.
type ReceiptResult struct {
	Receipt      Receipt     `json:"receipt"`
	Balance      LineBalance `json:"balance"`
	OverReceived bool        `json:"over_received"`
}

// RecordReceipt appends a receipt. Deliveries beyond the ordered quantity are
// accepted and flagged through OverReceivedBy. No cost lot is created.
func (s *Service) RecordReceipt(ctx context.Context, input ReceiptInput) (ReceiptResult, error) {
	if input.OrderLineID <= 0 {
		return ReceiptResult{}, ErrOrderLineNotFound
	}
	if input.WarehouseID <= 0 {
		return ReceiptResult{}, inventory.ErrUnknownProductOrWarehouse
	}
	if !input.Qty.IsPositive() {
		s.reject(opReceipt, inventory.ErrInvalidQuantity)
		return ReceiptResult{}, inventory.ErrInvalidQuantity
	}
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.clock()
	}
	var (
		result ReceiptResult
		order  PurchaseOrder
	)
	err := s.runTx(ctx, opReceipt, func(ctx context.Context, tx TxRepository) error {
		line, err := tx.LockLine(ctx, input.OrderLineID)
		if err != nil {
			return err
		}
		order, _, err = tx.GetOrder(ctx, line.OrderID)
		if err != nil {
			return err
		}
		receipt, err := s.appendReceipt(ctx, tx, line.ID, input.WarehouseID, input.Qty, input.GuideNumber, receivedAt, input.ActorID)
		if err != nil {
			return err
		}
		receipts, err := tx.Receipts(ctx, []int64{line.ID})
		if err != nil {
			return err
		}
		bal := ComputeLineBalance(line, receipts[line.ID])
		result = ReceiptResult{Receipt: receipt, Balance: bal, OverReceived: bal.OverReceivedBy.IsPositive()}
		return nil
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	if result.OverReceived {
		s.logger.Warn("order line over-received",
			slog.Int64("order_line_id", input.OrderLineID),
			slog.String("ordered", result.Balance.Ordered.String()),
			slog.String("delivered", result.Balance.Delivered.String()))
	}
	ref := fmt.Sprintf("%d/%d", input.OrderLineID, result.Receipt.Sequence)
	s.recordAudit(ctx, input.ActorID, opReceipt, ref, map[string]any{"qty": input.Qty.String(), "warehouse_id": input.WarehouseID})
	s.publishReceipts(ctx, order, input.GuideNumber, []Receipt{result.Receipt})
	return result, nil
}

func (s *Service) appendReceipt(ctx context.Context, tx TxRepository, lineID, warehouseID int64, qty decimal.Decimal, guide string, at time.Time, actorID int64) (Receipt, error) {
	seq, err := tx.NextReceiptSequence(ctx, lineID)
	if err != nil {
		return Receipt{}, err
	}
	receipt := Receipt{OrderLineID: lineID, Sequence: seq, GuideNumber: guide, WarehouseID: warehouseID, Qty: qty, ReceivedAt: at, ActorID: actorID}
	if err := tx.InsertReceipt(ctx, receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// GuideLine is one delivered order line on a guide. A zero WarehouseID uses
// the guide's warehouse.
type GuideLine struct {
	OrderLineID int64
	WarehouseID int64
	Qty         decimal.Decimal
}

// GuideInput describes a supplier delivery guide.
type GuideInput struct {
	OrderID     int64
	GuideNumber string
	WarehouseID int64
	ReceivedAt  time.Time
	ActorID     int64
	Lines       []GuideLine
}

// GuideResult reports the stored guide, its receipts and the order balance.
type GuideResult struct {
	Guide    Guide        `json:"guide"`
	Receipts []Receipt    `json:"receipts"`
	Balance  OrderBalance `json:"balance"`
}

// RecordGuide stores a delivery guide and one receipt per line, all or none.
// Guide numbers are unique per supplier.
func (s *Service) RecordGuide(ctx context.Context, input GuideInput) (GuideResult, error) {
	number := strings.TrimSpace(input.GuideNumber)
	if number == "" {
		return GuideResult{}, fmt.Errorf("%w: guide number required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return GuideResult{}, fmt.Errorf("%w: minimal 1 line", ErrValidation)
	}
	for i, line := range input.Lines {
		if !line.Qty.IsPositive() {
			return GuideResult{}, fmt.Errorf("line %d: %w", i+1, inventory.ErrInvalidQuantity)
		}
		if line.WarehouseID <= 0 && input.WarehouseID <= 0 {
			return GuideResult{}, fmt.Errorf("line %d: %w", i+1, inventory.ErrUnknownProductOrWarehouse)
		}
	}
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.clock()
	}
	var (
		result GuideResult
		order  PurchaseOrder
	)
	err := s.runTx(ctx, opGuide, func(ctx context.Context, tx TxRepository) error {
		var (
			lines []OrderLine
			err   error
		)
		order, lines, err = tx.GetOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		guide := Guide{SupplierID: order.SupplierID, Number: number, OrderID: order.ID, ReceivedAt: receivedAt}
		guide.ID, err = tx.InsertGuide(ctx, guide)
		if err != nil {
			return err
		}
		if err := lockLines(ctx, tx, lines, guideLineIDs(input.Lines)); err != nil {
			return err
		}
		result = GuideResult{Guide: guide}
		for i, line := range input.Lines {
			warehouseID := cmp.Or(line.WarehouseID, input.WarehouseID)
			receipt, err := s.appendReceipt(ctx, tx, line.OrderLineID, warehouseID, line.Qty, number, receivedAt, input.ActorID)
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			result.Receipts = append(result.Receipts, receipt)
		}
		result.Balance, err = orderBalance(ctx, tx, order.ID)
		return err
	})
	if err != nil {
		return GuideResult{}, err
	}
	s.recordAudit(ctx, input.ActorID, opGuide, number, map[string]any{"order_id": order.ID, "supplier_id": order.SupplierID, "lines": len(result.Receipts)})
	s.publishReceipts(ctx, order, number, result.Receipts)
	return result, nil
}

func guideLineIDs(lines []GuideLine) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.OrderLineID)
	}
	return ids
}

// lockLines checks every id belongs to the order and locks them in ascending
// id order.
func lockLines(ctx context.Context, tx TxRepository, orderLines []OrderLine, ids []int64) error {
	known := make(map[int64]bool, len(orderLines))
	for _, line := range orderLines {
		known[line.ID] = true
	}
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)
	for _, id := range ordered {
		if !known[id] {
			return fmt.Errorf("%w: %d", ErrOrderLineNotFound, id)
		}
		if _, err := tx.LockLine(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func orderBalance(ctx context.Context, r ReadRepository, orderID int64) (OrderBalance, error) {
	order, lines, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return OrderBalance{}, err
	}
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ID)
	}
	receipts, err := r.Receipts(ctx, ids)
	if err != nil {
		return OrderBalance{}, err
	}
	return ComputeOrderBalance(order, lines, receipts), nil
}

// GetBalance reads the order and its receipts from one snapshot.
func (s *Service) GetBalance(ctx context.Context, orderID int64) (OrderBalance, error) {
	var bal OrderBalance
	err := s.repo.Snapshot(ctx, func(ctx context.Context, r ReadRepository) error {
		var err error
		bal, err = orderBalance(ctx, r, orderID)
		return err
	})
	return bal, err
}

// InvoiceLine invoices received quantity of an order line. A null UnitPrice
// uses the agreed line price; a zero WarehouseID uses the warehouse of the
// latest receipt.
type InvoiceLine struct {
	OrderLineID int64
	Qty         decimal.Decimal
	UnitPrice   decimal.NullDecimal
	WarehouseID int64
}

// InvoiceInput is a supplier invoice against one order.
type InvoiceInput struct {
	OrderID     int64
	DocumentRef string
	FXRate      decimal.Decimal
	ActorID     int64
	Lines       []InvoiceLine
}

// InvoiceResult reports the lots created and the updated order balance.
type InvoiceResult struct {
	DocumentRef string                   `json:"document_ref"`
	Purchase    inventory.PurchaseResult `json:"purchase"`
	Balance     OrderBalance             `json:"balance"`
}

// RegisterInvoice marks received quantity as invoiced and creates the cost
// lots through the inventory purchase flow, priced in the order currency.
func (s *Service) RegisterInvoice(ctx context.Context, input InvoiceInput) (InvoiceResult, error) {
	ref := strings.TrimSpace(input.DocumentRef)
	if ref == "" {
		return InvoiceResult{}, fmt.Errorf("%w: document ref required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return InvoiceResult{}, inventory.ErrEmptyDocument
	}
	for i, line := range input.Lines {
		if !line.Qty.IsPositive() {
			return InvoiceResult{}, fmt.Errorf("line %d: %w", i+1, inventory.ErrInvalidQuantity)
		}
		if line.UnitPrice.Valid && line.UnitPrice.Decimal.IsNegative() {
			return InvoiceResult{}, fmt.Errorf("line %d: %w", i+1, inventory.ErrInvalidUnitCost)
		}
	}
	if s.inventory == nil {
		return InvoiceResult{}, errors.New("procurement: inventory integration not configured")
	}
	key := fmt.Sprintf("%s:%s", opInvoice, ref)
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "procurement"); err != nil {
			return InvoiceResult{}, err
		}
		inserted = true
	}
	var result InvoiceResult
	err := s.runTx(ctx, opInvoice, func(ctx context.Context, tx TxRepository) error {
		order, lines, err := tx.GetOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(input.Lines))
		for _, line := range input.Lines {
			ids = append(ids, line.OrderLineID)
		}
		if err := lockLines(ctx, tx, lines, ids); err != nil {
			return err
		}
		receipts, err := tx.Receipts(ctx, ids)
		if err != nil {
			return err
		}
		purchase := inventory.PurchaseInput{DocumentRef: ref, ActorID: input.ActorID}
		for i, in := range input.Lines {
			line, err := tx.LockLine(ctx, in.OrderLineID)
			if err != nil {
				return err
			}
			bal := ComputeLineBalance(line, receipts[line.ID])
			if in.Qty.GreaterThan(bal.Uninvoiced) {
				return fmt.Errorf("line %d: %w: uninvoiced %s", i+1, ErrInvoiceExceedsDelivered, bal.Uninvoiced)
			}
			warehouseID := in.WarehouseID
			if warehouseID == 0 {
				if rs := receipts[line.ID]; len(rs) > 0 {
					warehouseID = rs[len(rs)-1].WarehouseID
				}
			}
			price := line.UnitPrice
			if in.UnitPrice.Valid {
				price = in.UnitPrice.Decimal
			}
			if err := tx.AddInvoiced(ctx, line.ID, in.Qty); err != nil {
				return err
			}
			purchase.Lines = append(purchase.Lines, inventory.PurchaseLine{
				ProductID:   line.ProductID,
				WarehouseID: warehouseID,
				Qty:         in.Qty,
				UnitCost:    price,
				Currency:    order.Currency,
				FXRate:      input.FXRate,
			})
		}
		balance, err := orderBalance(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		posted, err := s.postPurchase(ctx, purchase)
		if err != nil {
			return err
		}
		result = InvoiceResult{DocumentRef: ref, Purchase: posted, Balance: balance}
		return nil
	})
	if err != nil {
		if inserted {
			if derr := s.idempotency.Delete(ctx, key); derr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", derr))
			}
		}
		return InvoiceResult{}, err
	}
	s.recordAudit(ctx, input.ActorID, opInvoice, ref, map[string]any{"order_id": input.OrderID, "total_cost": result.Purchase.TotalCost.String()})
	if s.events != nil {
		evt := InvoiceRegisteredEvent{OrderID: input.OrderID, DocumentRef: ref, TotalCost: result.Purchase.TotalCost, Lots: result.Purchase.Lots, RegisteredAt: s.clock()}
		if err := s.events.HandleInvoiceRegistered(ctx, evt); err != nil {
			s.logger.Warn("publish invoice", slog.String("document_ref", ref), slog.Any("error", err))
		}
	}
	return result, nil
}

// postPurchase creates the invoice lots once per document ref. The lots commit
// in the inventory store before the procurement transaction does, so a replay
// of the same invoice, by runTx or by the caller, reuses lots already posted
// with the same lines instead of creating them again.
func (s *Service) postPurchase(ctx context.Context, purchase inventory.PurchaseInput) (inventory.PurchaseResult, error) {
	posted, ok, err := s.inventory.PostedPurchase(ctx, purchase.DocumentRef)
	if err != nil {
		return inventory.PurchaseResult{}, err
	}
	if !ok {
		return s.inventory.RegisterPurchase(ctx, purchase)
	}
	if !samePurchase(posted, purchase) {
		return inventory.PurchaseResult{}, fmt.Errorf("%w: %s was posted with different lines", shared.ErrIdempotencyConflict, purchase.DocumentRef)
	}
	s.logger.Info("reusing posted purchase", slog.String("document_ref", purchase.DocumentRef), slog.Int("lots", len(posted.Lots)))
	return posted, nil
}

func samePurchase(posted inventory.PurchaseResult, input inventory.PurchaseInput) bool {
	if len(posted.Movements) != len(input.Lines) {
		return false
	}
	for i, mv := range posted.Movements {
		line := input.Lines[i]
		if mv.ProductID != line.ProductID || mv.WarehouseID != line.WarehouseID || !mv.Qty.Equal(line.Qty) {
			return false
		}
	}
	return true
}

func (s *Service) runTx(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	for attempt := 0; ; attempt++ {
		err := s.repo.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, inventory.ErrConcurrentModification) || attempt >= s.maxRetries {
			s.reject(op, err)
			return err
		}
		if s.metrics != nil {
			s.metrics.OperationRetried(op)
		}
		s.logger.Warn("retrying procurement write", slog.String("operation", op), slog.Int("attempt", attempt+1), slog.Any("error", err))
		timer := time.NewTimer(s.backoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) reject(op string, err error) {
	if s.metrics == nil || err == nil {
		return
	}
	s.metrics.OperationRejected(op, rejectionReason(err))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrOrderLineNotFound):
		return "unknown_reference"
	case errors.Is(err, ErrDuplicateGuide), errors.Is(err, ErrDuplicateOrder):
		return "duplicate"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvoiceExceedsDelivered):
		return "invalid_input"
	}
	return inventory.RejectionReason(err)
}

func (s *Service) publishReceipts(ctx context.Context, order PurchaseOrder, guide string, receipts []Receipt) {
	if s.events == nil {
		return
	}
	evt := ReceiptsRecordedEvent{OrderID: order.ID, OrderNumber: order.Number, SupplierID: order.SupplierID, GuideNumber: guide, Receipts: receipts, RecordedAt: s.clock()}
	if err := s.events.HandleReceiptsRecorded(ctx, evt); err != nil {
		s.logger.Warn("publish receipts", slog.Int64("order_id", order.ID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, op, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: "procurement:" + op, Entity: "purchase_order", EntityID: entityID, Meta: meta}); err != nil {
		s.logger.Warn("record audit", slog.String("operation", op), slog.Any("error", err))
	}
}

func generateNumber(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, now.UnixNano())
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
