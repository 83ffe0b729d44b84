package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// InitialLoadRef tags lots and adjustments created by initial stock loads.
const InitialLoadRef = "INITIAL_LOAD"

// DefaultMaxRetries bounds replays of writes that lost a race.
const DefaultMaxRetries = 3

const (
	opAppendLot    = "append_lot"
	opPurchase     = "purchase"
	opTransfer     = "transfer"
	opOutbound     = "outbound"
	opInitialStock = "initial_stock"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort rejects documents that were already posted.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsRecorder receives ledger counters.
type MetricsRecorder interface {
	MovementRecorded(kind string)
	OperationRejected(operation, reason string)
	OperationRetried(operation string)
}

// ServiceConfig groups optional settings and collaborators.
type ServiceConfig struct {
	// BaseCurrency is the ISO code every cost is stored in. Defaults to PEN.
	BaseCurrency string
	// FallbackFXRate applies to foreign purchase lines sent without a rate.
	// Zero makes the rate mandatory.
	FallbackFXRate decimal.Decimal
	// MaxRetries of zero uses DefaultMaxRetries; negative disables retries.
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Metrics      MetricsRecorder
	Clock        func() time.Time
}

// Service coordinates lot store writes and the movement journal.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	events      EventHandler
	logger      *slog.Logger
	metrics     MetricsRecorder
	base        currency.Unit
	fallbackFX  decimal.Decimal
	maxRetries  int
	backoff     time.Duration
	clock       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig, events EventHandler) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, err := currency.ParseISO(defaultString(cfg.BaseCurrency, "PEN"))
	if err != nil {
		logger.Warn("invalid base currency, using PEN", slog.String("currency", cfg.BaseCurrency))
		base = currency.MustParseISO("PEN")
	}
	retries := cfg.MaxRetries
	switch {
	case retries == 0:
		retries = DefaultMaxRetries
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
		audit:       audit,
		idempotency: idem,
		events:      events,
		logger:      logger.With(slog.String("module", "inventory")),
		metrics:     cfg.Metrics,
		base:        base,
		fallbackFX:  cfg.FallbackFXRate,
		maxRetries:  retries,
		backoff:     backoff,
		clock:       clock,
	}
}

// BaseCurrency returns the ISO code costs are stored in.
func (s *Service) BaseCurrency() string {
	return s.base.String()
}

// AppendLotInput describes a direct lot append.
type AppendLotInput struct {
	ProductID   int64
	WarehouseID int64
	Qty         decimal.Decimal
	UnitCost    decimal.Decimal
	SourceRef   string
	ActorID     int64
}

// AppendLot adds a lot priced in base currency and journals a RECEIPT.
func (s *Service) AppendLot(ctx context.Context, input AppendLotInput) (Lot, error) {
	key := StockKey{ProductID: input.ProductID, WarehouseID: input.WarehouseID}
	if !key.Valid() {
		return Lot{}, ErrUnknownProductOrWarehouse
	}
	if !input.Qty.IsPositive() {
		return Lot{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return Lot{}, ErrInvalidUnitCost
	}
	ref := defaultString(input.SourceRef, "LOT-"+uuid.NewString())
	var (
		lot Lot
		mv  Movement
	)
	err := s.runTx(ctx, opAppendLot, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockKeys(ctx, []StockKey{key}); err != nil {
			return err
		}
		if err := tx.CheckKey(ctx, key); err != nil {
			return err
		}
		var err error
		lot, mv, err = AppendLot(ctx, tx, LotInput{
			Key:        key,
			Qty:        input.Qty,
			UnitCost:   input.UnitCost,
			SourceRef:  ref,
			Kind:       MovementReceipt,
			ActorID:    input.ActorID,
			OccurredAt: s.clock(),
		})
		return err
	})
	if err != nil {
		return Lot{}, err
	}
	s.afterCommit(ctx, opAppendLot, ref, input.ActorID, []Movement{mv})
	return lot, nil
}

// StockPosition summarises one stock key.
type StockPosition struct {
	Key              StockKey        `json:"key"`
	Available        decimal.Decimal `json:"available"`
	WeightedUnitCost decimal.Decimal `json:"weighted_unit_cost"`
	Value            decimal.Decimal `json:"value"`
	Lots             []Lot           `json:"lots"`
}

// Position reads the open lots of key from one consistent snapshot.
func (s *Service) Position(ctx context.Context, key StockKey) (StockPosition, error) {
	if !key.Valid() {
		return StockPosition{}, ErrUnknownProductOrWarehouse
	}
	lots, err := s.repo.OpenLots(ctx, key)
	if err != nil {
		return StockPosition{}, err
	}
	value := decimal.Zero
	for _, lot := range lots {
		value = value.Add(lot.Value())
	}
	return StockPosition{
		Key:              key,
		Available:        AvailableQuantity(lots),
		WeightedUnitCost: WeightedUnitCost(lots),
		Value:            value,
		Lots:             lots,
	}, nil
}

// AvailableQuantity returns the open quantity for key.
func (s *Service) AvailableQuantity(ctx context.Context, key StockKey) (decimal.Decimal, error) {
	pos, err := s.Position(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	return pos.Available, nil
}

// WeightedUnitCost returns the quantity weighted cost of the open lots of key.
func (s *Service) WeightedUnitCost(ctx context.Context, key StockKey) (decimal.Decimal, error) {
	pos, err := s.Position(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	return pos.WeightedUnitCost, nil
}

// PurchaseLine is one invoiced product. UnitCost is expressed in Currency.
type PurchaseLine struct {
	ProductID   int64
	WarehouseID int64
	Qty         decimal.Decimal
	UnitCost    decimal.Decimal
	Currency    string
	FXRate      decimal.Decimal
}

// PurchaseInput is a purchase document.
type PurchaseInput struct {
	DocumentRef string
	ActorID     int64
	Lines       []PurchaseLine
}

// PurchaseResult lists the lots created by a purchase.
type PurchaseResult struct {
	DocumentRef string          `json:"document_ref"`
	Lots        []Lot           `json:"lots"`
	Movements   []Movement      `json:"movements"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// RegisterPurchase appends one lot per line, converting each cost into the
// base currency at the line's rate. Any invalid line rejects the document.
func (s *Service) RegisterPurchase(ctx context.Context, input PurchaseInput) (PurchaseResult, error) {
	if len(input.Lines) == 0 {
		return PurchaseResult{}, ErrEmptyDocument
	}
	costs := make([]decimal.Decimal, len(input.Lines))
	keys := make([]StockKey, len(input.Lines))
	for i, line := range input.Lines {
		cost, err := s.baseUnitCost(line)
		if err != nil {
			s.reject(opPurchase, err)
			return PurchaseResult{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		costs[i] = cost
		keys[i] = StockKey{ProductID: line.ProductID, WarehouseID: line.WarehouseID}
	}
	ref := defaultString(input.DocumentRef, "PUR-"+uuid.NewString())
	release, err := s.claim(ctx, opPurchase, input.DocumentRef)
	if err != nil {
		return PurchaseResult{}, err
	}
	var result PurchaseResult
	err = s.runTx(ctx, opPurchase, func(ctx context.Context, tx TxRepository) error {
		result = PurchaseResult{DocumentRef: ref, TotalCost: decimal.Zero}
		if err := tx.LockKeys(ctx, keys); err != nil {
			return err
		}
		now := s.clock()
		for i, line := range input.Lines {
			if err := tx.CheckKey(ctx, keys[i]); err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			lot, mv, err := AppendLot(ctx, tx, LotInput{
				Key:        keys[i],
				Qty:        line.Qty,
				UnitCost:   costs[i],
				SourceRef:  ref,
				Kind:       MovementReceipt,
				ActorID:    input.ActorID,
				OccurredAt: now,
			})
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			result.Lots = append(result.Lots, lot)
			result.Movements = append(result.Movements, mv)
			result.TotalCost = result.TotalCost.Add(mv.TotalCost)
		}
		return nil
	})
	if err != nil {
		release()
		return PurchaseResult{}, err
	}
	s.afterCommit(ctx, opPurchase, ref, input.ActorID, result.Movements)
	return result, nil
}

// PostedPurchase rebuilds the result of the purchase journaled under ref, with
// lots as they were when posted. It reports false when ref was never posted.
func (s *Service) PostedPurchase(ctx context.Context, ref string) (PurchaseResult, bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return PurchaseResult{}, false, nil
	}
	movements, err := s.repo.DocumentMovements(ctx, MovementReceipt, ref)
	if err != nil {
		return PurchaseResult{}, false, err
	}
	if len(movements) == 0 {
		return PurchaseResult{}, false, nil
	}
	result := PurchaseResult{DocumentRef: ref, Movements: movements, TotalCost: decimal.Zero}
	for _, mv := range movements {
		for _, alloc := range mv.Allocations {
			result.Lots = append(result.Lots, Lot{
				Ref:          alloc.Lot,
				QtyReceived:  alloc.Qty,
				QtyRemaining: alloc.Qty,
				UnitCost:     alloc.UnitCost,
				SourceRef:    ref,
				ReceivedAt:   mv.OccurredAt,
			})
		}
		result.TotalCost = result.TotalCost.Add(mv.TotalCost)
	}
	return result, true, nil
}

func (s *Service) baseUnitCost(line PurchaseLine) (decimal.Decimal, error) {
	if line.ProductID <= 0 || line.WarehouseID <= 0 {
		return decimal.Zero, ErrUnknownProductOrWarehouse
	}
	if !line.Qty.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}
	if line.UnitCost.IsNegative() {
		return decimal.Zero, ErrInvalidUnitCost
	}
	unit := s.base
	if code := strings.TrimSpace(line.Currency); code != "" {
		parsed, err := currency.ParseISO(code)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidCurrency, line.Currency)
		}
		unit = parsed
	}
	if unit == s.base {
		return line.UnitCost, nil
	}
	rate := line.FXRate
	if rate.IsZero() {
		rate = s.fallbackFX
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s to %s", ErrInvalidFXRate, unit, s.base)
	}
	return line.UnitCost.Mul(rate).Round(costScale), nil
}

// TransferInput moves stock of one product between warehouses.
type TransferInput struct {
	ProductID   int64
	Origin      int64
	Destination int64
	Qty         decimal.Decimal
	DocumentRef string
	ActorID     int64
}

// TransferResult pairs both legs of a transfer.
type TransferResult struct {
	TransferID  uuid.UUID   `json:"transfer_id"`
	DocumentRef string      `json:"document_ref"`
	Consumption Consumption `json:"consumption"`
	Out         Movement    `json:"out"`
	In          Movement    `json:"in"`
	Lots        []Lot       `json:"lots"`
}

// RegisterTransfer consumes FIFO at the origin and rebuilds the consumed cost
// layers as lots at the destination. A transfer drawn from a single cost
// creates one lot at that cost; the destination always gains exactly the
// value the origin gave up.
func (s *Service) RegisterTransfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	origin := StockKey{ProductID: input.ProductID, WarehouseID: input.Origin}
	dest := StockKey{ProductID: input.ProductID, WarehouseID: input.Destination}
	if !origin.Valid() || !dest.Valid() {
		return TransferResult{}, ErrUnknownProductOrWarehouse
	}
	if input.Origin == input.Destination {
		s.reject(opTransfer, ErrSameWarehouseTransfer)
		return TransferResult{}, ErrSameWarehouseTransfer
	}
	if !input.Qty.IsPositive() {
		s.reject(opTransfer, ErrInvalidQuantity)
		return TransferResult{}, ErrInvalidQuantity
	}
	transferID := uuid.New()
	ref := defaultString(input.DocumentRef, "TRF-"+transferID.String())
	release, err := s.claim(ctx, opTransfer, input.DocumentRef)
	if err != nil {
		return TransferResult{}, err
	}
	var result TransferResult
	err = s.runTx(ctx, opTransfer, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockKeys(ctx, []StockKey{origin, dest}); err != nil {
			return err
		}
		for _, key := range []StockKey{origin, dest} {
			if err := tx.CheckKey(ctx, key); err != nil {
				return err
			}
		}
		consumed, err := Consume(ctx, tx, origin, input.Qty)
		if err != nil {
			return err
		}
		now := s.clock()
		unitCost := consumed.WeightedUnitCost()
		out, err := tx.AppendMovement(ctx, Movement{
			Kind:                   MovementTransferOut,
			ProductID:              input.ProductID,
			WarehouseID:            input.Origin,
			CounterpartWarehouseID: input.Destination,
			Qty:                    consumed.Qty,
			UnitCost:               unitCost,
			TotalCost:              consumed.TotalCost,
			DocumentRef:            ref,
			Allocations:            consumed.Allocations,
			ActorID:                input.ActorID,
			OccurredAt:             now,
		})
		if err != nil {
			return err
		}
		lots, in, err := AppendLayers(ctx, tx, LotInput{
			Key:         dest,
			SourceRef:   ref,
			Kind:        MovementTransferIn,
			Counterpart: input.Origin,
			ActorID:     input.ActorID,
			OccurredAt:  now,
		}, consumed.Allocations)
		if err != nil {
			return err
		}
		result = TransferResult{TransferID: transferID, DocumentRef: ref, Consumption: consumed, Out: out, In: in, Lots: lots}
		return nil
	})
	if err != nil {
		release()
		return TransferResult{}, err
	}
	s.afterCommit(ctx, opTransfer, ref, input.ActorID, []Movement{result.Out, result.In})
	return result, nil
}

// OutboundLine is one product leaving a warehouse.
type OutboundLine struct {
	ProductID   int64
	WarehouseID int64
	Qty         decimal.Decimal
}

// OutboundDocument groups outbound lines sharing a reason and destination.
type OutboundDocument struct {
	Reason         OutboundReason
	DestinationRef string
	DocumentRef    string
	ActorID        int64
	Lines          []OutboundLine
}

// OutboundInput is the single-line form of OutboundDocument.
type OutboundInput struct {
	ProductID      int64
	WarehouseID    int64
	Qty            decimal.Decimal
	Reason         OutboundReason
	DestinationRef string
	DocumentRef    string
	ActorID        int64
}

// OutboundResult lists the journaled OUTBOUND movements.
type OutboundResult struct {
	DocumentRef  string          `json:"document_ref"`
	Movements    []Movement      `json:"movements"`
	Consumptions []Consumption   `json:"consumptions"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}

// RegisterOutbound consumes FIFO and journals an OUTBOUND movement priced at
// the weighted consumed cost.
func (s *Service) RegisterOutbound(ctx context.Context, input OutboundInput) (OutboundResult, error) {
	return s.RegisterOutboundDocument(ctx, OutboundDocument{
		Reason:         input.Reason,
		DestinationRef: input.DestinationRef,
		DocumentRef:    input.DocumentRef,
		ActorID:        input.ActorID,
		Lines:          []OutboundLine{{ProductID: input.ProductID, WarehouseID: input.WarehouseID, Qty: input.Qty}},
	})
}

// RegisterOutboundDocument applies every line or none of them.
func (s *Service) RegisterOutboundDocument(ctx context.Context, doc OutboundDocument) (OutboundResult, error) {
	reason, err := ParseOutboundReason(string(doc.Reason))
	if err != nil {
		s.reject(opOutbound, err)
		return OutboundResult{}, err
	}
	if len(doc.Lines) == 0 {
		return OutboundResult{}, ErrEmptyDocument
	}
	keys := make([]StockKey, len(doc.Lines))
	for i, line := range doc.Lines {
		keys[i] = StockKey{ProductID: line.ProductID, WarehouseID: line.WarehouseID}
		if !keys[i].Valid() {
			return OutboundResult{}, fmt.Errorf("line %d: %w", i+1, ErrUnknownProductOrWarehouse)
		}
		if !line.Qty.IsPositive() {
			s.reject(opOutbound, ErrInvalidQuantity)
			return OutboundResult{}, fmt.Errorf("line %d: %w", i+1, ErrInvalidQuantity)
		}
	}
	ref := defaultString(doc.DocumentRef, "OUT-"+uuid.NewString())
	release, err := s.claim(ctx, opOutbound, doc.DocumentRef)
	if err != nil {
		return OutboundResult{}, err
	}
	var result OutboundResult
	err = s.runTx(ctx, opOutbound, func(ctx context.Context, tx TxRepository) error {
		result = OutboundResult{DocumentRef: ref, TotalCost: decimal.Zero}
		if err := tx.LockKeys(ctx, keys); err != nil {
			return err
		}
		now := s.clock()
		for i, line := range doc.Lines {
			if err := tx.CheckKey(ctx, keys[i]); err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			mv, consumed, err := s.consumeOutbound(ctx, tx, keys[i], line.Qty, reason, ref, doc.DestinationRef, doc.ActorID, now)
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			result.Movements = append(result.Movements, mv)
			result.Consumptions = append(result.Consumptions, consumed)
			result.TotalCost = result.TotalCost.Add(consumed.TotalCost)
		}
		return nil
	})
	if err != nil {
		release()
		return OutboundResult{}, err
	}
	s.afterCommit(ctx, opOutbound, ref, doc.ActorID, result.Movements)
	return result, nil
}

func (s *Service) consumeOutbound(ctx context.Context, tx TxRepository, key StockKey, qty decimal.Decimal, reason OutboundReason, ref, destination string, actorID int64, at time.Time) (Movement, Consumption, error) {
	consumed, err := Consume(ctx, tx, key, qty)
	if err != nil {
		return Movement{}, Consumption{}, err
	}
	mv, err := tx.AppendMovement(ctx, Movement{
		Kind:           MovementOutbound,
		Reason:         reason,
		ProductID:      key.ProductID,
		WarehouseID:    key.WarehouseID,
		Qty:            consumed.Qty,
		UnitCost:       consumed.WeightedUnitCost(),
		TotalCost:      consumed.TotalCost,
		DocumentRef:    ref,
		DestinationRef: destination,
		Allocations:    consumed.Allocations,
		ActorID:        actorID,
		OccurredAt:     at,
	})
	if err != nil {
		return Movement{}, Consumption{}, err
	}
	return mv, consumed, nil
}

// InitialStockInput sets the on-hand quantity of a key. A zero UnitCost keeps
// the current weighted cost for any added quantity.
type InitialStockInput struct {
	ProductID   int64
	WarehouseID int64
	Qty         decimal.Decimal
	UnitCost    decimal.Decimal
	ActorID     int64
}

// InitialStockResult reports the reconciliation applied.
type InitialStockResult struct {
	Key      StockKey        `json:"key"`
	Previous decimal.Decimal `json:"previous"`
	Current  decimal.Decimal `json:"current"`
	Movement *Movement       `json:"movement,omitempty"`
}

// SetInitialStock overwrites the available quantity of a key by journaling
// the difference: an adjustment lot when stock grows, a FIFO AJUSTE outbound
// when it shrinks.
func (s *Service) SetInitialStock(ctx context.Context, input InitialStockInput) (InitialStockResult, error) {
	key := StockKey{ProductID: input.ProductID, WarehouseID: input.WarehouseID}
	if !key.Valid() {
		return InitialStockResult{}, ErrUnknownProductOrWarehouse
	}
	if input.Qty.IsNegative() {
		return InitialStockResult{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return InitialStockResult{}, ErrInvalidUnitCost
	}
	var result InitialStockResult
	err := s.runTx(ctx, opInitialStock, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockKeys(ctx, []StockKey{key}); err != nil {
			return err
		}
		if err := tx.CheckKey(ctx, key); err != nil {
			return err
		}
		lots, err := tx.OpenLots(ctx, key)
		if err != nil {
			return err
		}
		previous := AvailableQuantity(lots)
		result = InitialStockResult{Key: key, Previous: previous, Current: input.Qty}
		delta := input.Qty.Sub(previous)
		now := s.clock()
		switch {
		case delta.IsPositive():
			cost := input.UnitCost
			if cost.IsZero() {
				cost = WeightedUnitCost(lots)
			}
			_, mv, err := AppendLot(ctx, tx, LotInput{
				Key:        key,
				Qty:        delta,
				UnitCost:   cost,
				SourceRef:  InitialLoadRef,
				Kind:       MovementReceipt,
				ActorID:    input.ActorID,
				OccurredAt: now,
			})
			if err != nil {
				return err
			}
			result.Movement = &mv
		case delta.IsNegative():
			mv, _, err := s.consumeOutbound(ctx, tx, key, delta.Neg(), ReasonAdjustment, InitialLoadRef, "", input.ActorID, now)
			if err != nil {
				return err
			}
			result.Movement = &mv
		}
		return nil
	})
	if err != nil {
		return InitialStockResult{}, err
	}
	if result.Movement != nil {
		s.afterCommit(ctx, opInitialStock, InitialLoadRef, input.ActorID, []Movement{*result.Movement})
	}
	return result, nil
}

// RowError describes a rejected bulk row. Row is 1-based.
type RowError struct {
	Row         int    `json:"row"`
	ProductID   int64  `json:"product_id"`
	WarehouseID int64  `json:"warehouse_id"`
	Error       string `json:"error"`
}

// BulkResult summarises a bulk initial stock load.
type BulkResult struct {
	Applied int                  `json:"applied"`
	Results []InitialStockResult `json:"results"`
	Errors  []RowError           `json:"errors"`
}

// BulkSetInitialStock applies each row in its own transaction, collecting
// failures instead of stopping at the first one.
func (s *Service) BulkSetInitialStock(ctx context.Context, rows []InitialStockInput) (BulkResult, error) {
	result := BulkResult{Results: []InitialStockResult{}, Errors: []RowError{}}
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		applied, err := s.SetInitialStock(ctx, row)
		if err != nil {
			result.Errors = append(result.Errors, RowError{Row: i + 1, ProductID: row.ProductID, WarehouseID: row.WarehouseID, Error: err.Error()})
			continue
		}
		result.Applied++
		result.Results = append(result.Results, applied)
	}
	if len(result.Errors) > 0 {
		s.logger.Warn("bulk initial stock rows rejected", slog.Int("rejected", len(result.Errors)), slog.Int("applied", result.Applied))
	}
	return result, nil
}

// RegisterProduct creates or updates a catalog product.
func (s *Service) RegisterProduct(ctx context.Context, p Product) (Product, error) {
	if strings.TrimSpace(p.SKU) == "" || strings.TrimSpace(p.Name) == "" {
		return Product{}, errors.New("inventory: product sku and name required")
	}
	if p.MinStock.IsNegative() {
		return Product{}, ErrInvalidQuantity
	}
	p.UOM = defaultString(p.UOM, "UND")
	return s.repo.UpsertProduct(ctx, p)
}

// RegisterWarehouse creates or updates a warehouse.
func (s *Service) RegisterWarehouse(ctx context.Context, w Warehouse) (Warehouse, error) {
	if strings.TrimSpace(w.Name) == "" {
		return Warehouse{}, errors.New("inventory: warehouse name required")
	}
	return s.repo.UpsertWarehouse(ctx, w)
}

// Products lists the catalog.
func (s *Service) Products(ctx context.Context) ([]Product, error) {
	return s.repo.ListProducts(ctx)
}

// Warehouses lists the warehouses.
func (s *Service) Warehouses(ctx context.Context) ([]Warehouse, error) {
	return s.repo.ListWarehouses(ctx)
}

// runTx executes fn in a transaction, replaying it when the store reports a
// concurrent modification.
func (s *Service) runTx(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	for attempt := 0; ; attempt++ {
		err := s.repo.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrentModification) || attempt >= s.maxRetries {
			s.reject(op, err)
			return err
		}
		if s.metrics != nil {
			s.metrics.OperationRetried(op)
		}
		s.logger.Warn("retrying ledger write", slog.String("operation", op), slog.Int("attempt", attempt+1), slog.Any("error", err))
		timer := time.NewTimer(s.backoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) claim(ctx context.Context, op, ref string) (func(), error) {
	if s.idempotency == nil || ref == "" {
		return func() {}, nil
	}
	key := fmt.Sprintf("%s:%s", op, ref)
	if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
		return nil, err
	}
	return func() {
		if err := s.idempotency.Delete(ctx, key); err != nil {
			s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) reject(op string, err error) {
	if s.metrics == nil || err == nil {
		return
	}
	s.metrics.OperationRejected(op, RejectionReason(err))
}

// RejectionReason maps an error to a low-cardinality label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrUnknownProductOrWarehouse):
		return "unknown_reference"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost),
		errors.Is(err, ErrSameWarehouseTransfer), errors.Is(err, ErrInvalidReason),
		errors.Is(err, ErrInvalidCurrency), errors.Is(err, ErrInvalidFXRate),
		errors.Is(err, ErrEmptyDocument):
		return "invalid_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

func (s *Service) afterCommit(ctx context.Context, op, ref string, actorID int64, movements []Movement) {
	ids := make([]int64, 0, len(movements))
	for _, mv := range movements {
		ids = append(ids, mv.ID)
		if s.metrics != nil {
			s.metrics.MovementRecorded(string(mv.Kind))
		}
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   fmt.Sprintf("inventory:%s", op),
			Entity:   "movement",
			EntityID: ref,
			Meta: map[string]any{
				"movement_ids": ids,
			},
		}); err != nil {
			s.logger.Warn("record audit", slog.String("operation", op), slog.Any("error", err))
		}
	}
	if s.events != nil {
		evt := MovementsPostedEvent{Operation: op, DocumentRef: ref, ActorID: actorID, Movements: movements, PostedAt: s.clock()}
		if err := s.events.HandleMovementsPosted(ctx, evt); err != nil {
			s.logger.Warn("publish movements", slog.String("operation", op), slog.String("document_ref", ref), slog.Any("error", err))
		}
	}
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
