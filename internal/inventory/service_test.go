package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

type fixture struct {
	repo      *MemoryRepository
	svc       *Service
	product   int64
	warehouse int64
	other     int64
}

func newFixture(t *testing.T, cfg ServiceConfig) fixture {
	t.Helper()
	ctx := context.Background()
	repo := NewMemoryRepository()
	svc := NewService(repo, nil, shared.NewMemoryIdempotencyStore(), cfg, nil)
	p, err := svc.RegisterProduct(ctx, Product{SKU: "SKU-1", Name: "Cemento"})
	require.NoError(t, err)
	w1, err := svc.RegisterWarehouse(ctx, Warehouse{Name: "Central"})
	require.NoError(t, err)
	w2, err := svc.RegisterWarehouse(ctx, Warehouse{Name: "Obra Norte"})
	require.NoError(t, err)
	return fixture{repo: repo, svc: svc, product: p.ID, warehouse: w1.ID, other: w2.ID}
}

func (f fixture) key() StockKey {
	return StockKey{ProductID: f.product, WarehouseID: f.warehouse}
}

func (f fixture) seedLots(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.AppendLot(ctx, AppendLotInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("100"), UnitCost: dec("10"), SourceRef: "A"})
	require.NoError(t, err)
	_, err = f.svc.AppendLot(ctx, AppendLotInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("50"), UnitCost: dec("12"), SourceRef: "B"})
	require.NoError(t, err)
}

func TestFIFOConsumption(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.seedLots(t)
	ctx := context.Background()

	result, err := f.svc.RegisterOutbound(ctx, OutboundInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("120"), Reason: ReasonSale})
	require.NoError(t, err)
	require.Len(t, result.Consumptions, 1)
	allocs := result.Consumptions[0].Allocations
	require.Len(t, allocs, 2)
	require.Equal(t, int64(1), allocs[0].Lot.Sequence)
	requireDecimal(t, "100", allocs[0].Qty)
	requireDecimal(t, "10", allocs[0].UnitCost)
	require.Equal(t, int64(2), allocs[1].Lot.Sequence)
	requireDecimal(t, "20", allocs[1].Qty)
	requireDecimal(t, "12", allocs[1].UnitCost)
	requireDecimal(t, "1240", result.TotalCost)

	mv := result.Movements[0]
	require.Equal(t, MovementOutbound, mv.Kind)
	require.Equal(t, ReasonSale, mv.Reason)
	requireDecimal(t, "1240", mv.TotalCost)

	pos, err := f.svc.Position(ctx, f.key())
	require.NoError(t, err)
	requireDecimal(t, "30", pos.Available)
	require.Len(t, pos.Lots, 1)
	require.Equal(t, int64(2), pos.Lots[0].Ref.Sequence)
	requireDecimal(t, "12", pos.WeightedUnitCost)
}

func TestInsufficientStockLeavesLotsUntouched(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.seedLots(t)
	ctx := context.Background()
	_, err := f.svc.RegisterOutbound(ctx, OutboundInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("120"), Reason: ReasonSale})
	require.NoError(t, err)

	_, err = f.svc.RegisterOutbound(ctx, OutboundInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("200"), Reason: ReasonSale})
	require.ErrorIs(t, err, ErrInsufficientStock)
	var shortage *ShortageError
	require.True(t, errors.As(err, &shortage))
	requireDecimal(t, "30", shortage.Available)
	requireDecimal(t, "200", shortage.Requested)

	available, err := f.svc.AvailableQuantity(ctx, f.key())
	require.NoError(t, err)
	requireDecimal(t, "30", available)
}

func TestOutboundDocumentAllOrNothing(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.seedLots(t)
	ctx := context.Background()

	_, err := f.svc.RegisterOutboundDocument(ctx, OutboundDocument{
		Reason:      ReasonConsumption,
		DocumentRef: "VALE-9",
		Lines: []OutboundLine{
			{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("10")},
			{ProductID: f.product, WarehouseID: f.other, Qty: dec("1")},
		},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Contains(t, err.Error(), "line 2")

	available, err := f.svc.AvailableQuantity(ctx, f.key())
	require.NoError(t, err)
	requireDecimal(t, "150", available)

	count := 0
	for mv, err := range f.repo.Movements(ctx, MovementFilter{}) {
		require.NoError(t, err)
		require.NotEqual(t, MovementOutbound, mv.Kind)
		count++
	}
	require.Equal(t, 2, count)

	// the failed document released its reference
	_, err = f.svc.RegisterOutboundDocument(ctx, OutboundDocument{
		Reason:      ReasonConsumption,
		DocumentRef: "VALE-9",
		Lines:       []OutboundLine{{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("10")}},
	})
	require.NoError(t, err)
}

func TestOutboundRejectsUnknownReason(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.seedLots(t)
	_, err := f.svc.RegisterOutbound(context.Background(), OutboundInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("1"), Reason: "ROBO"})
	require.ErrorIs(t, err, ErrInvalidReason)
}

func TestTransferCarriesWeightedCost(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.seedLots(t)
	ctx := context.Background()
	_, err := f.svc.RegisterOutbound(ctx, OutboundInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("120"), Reason: ReasonSale})
	require.NoError(t, err)

	result, err := f.svc.RegisterTransfer(ctx, TransferInput{ProductID: f.product, Origin: f.warehouse, Destination: f.other, Qty: dec("20")})
	require.NoError(t, err)
	require.Equal(t, MovementTransferOut, result.Out.Kind)
	require.Equal(t, MovementTransferIn, result.In.Kind)
	require.Equal(t, f.other, result.Out.CounterpartWarehouseID)
	require.Equal(t, f.warehouse, result.In.CounterpartWarehouseID)
	require.Equal(t, result.Out.DocumentRef, result.In.DocumentRef)
	requireDecimal(t, "240", result.Out.TotalCost)
	require.Len(t, result.Lots, 1)
	requireDecimal(t, "20", result.Lots[0].QtyRemaining)
	requireDecimal(t, "12", result.Lots[0].UnitCost)
	require.Equal(t, int64(1), result.Lots[0].Ref.Sequence)
	requireDecimal(t, "240", result.In.TotalCost)

	origin, err := f.svc.AvailableQuantity(ctx, f.key())
	require.NoError(t, err)
	requireDecimal(t, "10", origin)
	dest, err := f.svc.Position(ctx, StockKey{ProductID: f.product, WarehouseID: f.other})
	require.NoError(t, err)
	requireDecimal(t, "20", dest.Available)
	requireDecimal(t, "240", dest.Value)
}

func TestTransferPreservesMixedCostValue(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()
	_, err := f.svc.AppendLot(ctx, AppendLotInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("1"), UnitCost: dec("10")})
	require.NoError(t, err)
	_, err = f.svc.AppendLot(ctx, AppendLotInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("2"), UnitCost: dec("11")})
	require.NoError(t, err)

	result, err := f.svc.RegisterTransfer(ctx, TransferInput{ProductID: f.product, Origin: f.warehouse, Destination: f.other, Qty: dec("3")})
	require.NoError(t, err)
	requireDecimal(t, "32", result.Out.TotalCost)
	requireDecimal(t, "32", result.In.TotalCost)
	requireDecimal(t, "3", result.In.Qty)
	require.Len(t, result.In.Allocations, 2)

	require.Len(t, result.Lots, 2)
	requireDecimal(t, "1", result.Lots[0].QtyReceived)
	requireDecimal(t, "10", result.Lots[0].UnitCost)
	requireDecimal(t, "2", result.Lots[1].QtyReceived)
	requireDecimal(t, "11", result.Lots[1].UnitCost)

	dest, err := f.svc.Position(ctx, StockKey{ProductID: f.product, WarehouseID: f.other})
	require.NoError(t, err)
	requireDecimal(t, "3", dest.Available)
	requireDecimal(t, "32", dest.Value)

	// a second hop keeps FIFO order and value at the new warehouse
	back, err := f.svc.RegisterTransfer(ctx, TransferInput{ProductID: f.product, Origin: f.other, Destination: f.warehouse, Qty: dec("2")})
	require.NoError(t, err)
	requireDecimal(t, "21", back.Out.TotalCost)
	requireDecimal(t, "21", back.In.TotalCost)
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.seedLots(t)
	ctx := context.Background()

	_, err := f.svc.RegisterTransfer(ctx, TransferInput{ProductID: f.product, Origin: f.warehouse, Destination: f.warehouse, Qty: dec("1")})
	require.ErrorIs(t, err, ErrSameWarehouseTransfer)

	_, err = f.svc.RegisterTransfer(ctx, TransferInput{ProductID: f.product, Origin: f.warehouse, Destination: 999, Qty: dec("1")})
	require.ErrorIs(t, err, ErrUnknownProductOrWarehouse)

	_, err = f.svc.RegisterTransfer(ctx, TransferInput{ProductID: f.product, Origin: f.warehouse, Destination: f.other, Qty: dec("151")})
	require.ErrorIs(t, err, ErrInsufficientStock)

	available, err := f.svc.AvailableQuantity(ctx, f.key())
	require.NoError(t, err)
	requireDecimal(t, "150", available)
}

func TestRegisterPurchaseConvertsCurrency(t *testing.T) {
	f := newFixture(t, ServiceConfig{BaseCurrency: "PEN", FallbackFXRate: dec("3.8")})
	ctx := context.Background()

	result, err := f.svc.RegisterPurchase(ctx, PurchaseInput{
		DocumentRef: "F001-12",
		Lines: []PurchaseLine{
			{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("10"), UnitCost: dec("10"), Currency: "USD", FXRate: dec("3.75")},
			{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("5"), UnitCost: dec("10"), Currency: "USD"},
			{ProductID: f.product, WarehouseID: f.other, Qty: dec("2"), UnitCost: dec("7.5")},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Lots, 3)
	requireDecimal(t, "37.5", result.Lots[0].UnitCost)
	requireDecimal(t, "38", result.Lots[1].UnitCost)
	requireDecimal(t, "7.5", result.Lots[2].UnitCost)
	requireDecimal(t, "580", result.TotalCost)
	for _, lot := range result.Lots {
		require.Equal(t, "F001-12", lot.SourceRef)
	}

	_, err = f.svc.RegisterPurchase(ctx, PurchaseInput{
		DocumentRef: "F001-12",
		Lines:       []PurchaseLine{{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("1"), UnitCost: dec("1")}},
	})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
}

func TestRegisterPurchaseRejectsWholeDocument(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()

	_, err := f.svc.RegisterPurchase(ctx, PurchaseInput{
		Lines: []PurchaseLine{
			{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("10"), UnitCost: dec("10")},
			{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("0"), UnitCost: dec("10")},
		},
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	require.Contains(t, err.Error(), "line 2")

	_, err = f.svc.RegisterPurchase(ctx, PurchaseInput{
		Lines: []PurchaseLine{{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("1"), UnitCost: dec("1"), Currency: "USD"}},
	})
	require.ErrorIs(t, err, ErrInvalidFXRate)

	_, err = f.svc.RegisterPurchase(ctx, PurchaseInput{
		Lines: []PurchaseLine{{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("1"), UnitCost: dec("1"), Currency: "XX"}},
	})
	require.ErrorIs(t, err, ErrInvalidCurrency)

	_, err = f.svc.RegisterPurchase(ctx, PurchaseInput{
		Lines: []PurchaseLine{
			{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("1"), UnitCost: dec("1")},
			{ProductID: f.product, WarehouseID: 404, Qty: dec("1"), UnitCost: dec("1")},
		},
	})
	require.ErrorIs(t, err, ErrUnknownProductOrWarehouse)

	available, err := f.svc.AvailableQuantity(ctx, f.key())
	require.NoError(t, err)
	require.True(t, available.IsZero())
}

func TestPostedPurchaseRebuildsResult(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()
	_, ok, err := f.svc.PostedPurchase(ctx, "FAC-77")
	require.NoError(t, err)
	require.False(t, ok)

	posted, err := f.svc.RegisterPurchase(ctx, PurchaseInput{DocumentRef: "FAC-77", Lines: []PurchaseLine{
		{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("4"), UnitCost: dec("2.5")},
		{ProductID: f.product, WarehouseID: f.other, Qty: dec("1.23456"), UnitCost: dec("3")},
	}})
	require.NoError(t, err)
	_, err = f.svc.RegisterOutbound(ctx, OutboundInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("1"), Reason: ReasonSale, DocumentRef: "FAC-77"})
	require.NoError(t, err)

	again, ok, err := f.svc.PostedPurchase(ctx, " FAC-77 ")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, again.Movements, 2)
	require.Equal(t, posted.Lots, again.Lots)
	requireDecimal(t, posted.TotalCost.String(), again.TotalCost)
	requireDecimal(t, "1.23456", again.Lots[1].QtyReceived)
}

func TestSetInitialStockOverwrites(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()

	first, err := f.svc.SetInitialStock(ctx, InitialStockInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("50"), UnitCost: dec("8")})
	require.NoError(t, err)
	requireDecimal(t, "0", first.Previous)
	require.NotNil(t, first.Movement)
	require.Equal(t, MovementReceipt, first.Movement.Kind)
	require.Equal(t, InitialLoadRef, first.Movement.DocumentRef)

	second, err := f.svc.SetInitialStock(ctx, InitialStockInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("20")})
	require.NoError(t, err)
	requireDecimal(t, "50", second.Previous)
	require.NotNil(t, second.Movement)
	require.Equal(t, MovementOutbound, second.Movement.Kind)
	require.Equal(t, ReasonAdjustment, second.Movement.Reason)
	requireDecimal(t, "30", second.Movement.Qty)

	third, err := f.svc.SetInitialStock(ctx, InitialStockInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("20")})
	require.NoError(t, err)
	require.Nil(t, third.Movement)

	grown, err := f.svc.SetInitialStock(ctx, InitialStockInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("25")})
	require.NoError(t, err)
	requireDecimal(t, "8", grown.Movement.UnitCost)

	available, err := f.svc.AvailableQuantity(ctx, f.key())
	require.NoError(t, err)
	requireDecimal(t, "25", available)
}

func TestBulkSetInitialStockCollectsRowErrors(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()

	result, err := f.svc.BulkSetInitialStock(ctx, []InitialStockInput{
		{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("10"), UnitCost: dec("2")},
		{ProductID: f.product, WarehouseID: 77, Qty: dec("10"), UnitCost: dec("2")},
		{ProductID: f.product, WarehouseID: f.other, Qty: dec("-1")},
		{ProductID: f.product, WarehouseID: f.other, Qty: dec("4"), UnitCost: dec("3")},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Applied)
	require.Len(t, result.Errors, 2)
	require.Equal(t, 2, result.Errors[0].Row)
	require.Equal(t, int64(77), result.Errors[0].WarehouseID)
	require.Equal(t, 3, result.Errors[1].Row)
}

type flakyRepo struct {
	*MemoryRepository
	failures atomic.Int32
}

func (r *flakyRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r.failures.Add(-1) >= 0 {
		return ErrConcurrentModification
	}
	return r.MemoryRepository.WithTx(ctx, fn)
}

type countingMetrics struct {
	mu        sync.Mutex
	movements map[string]int
	rejected  map[string]int
	retried   int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{movements: map[string]int{}, rejected: map[string]int{}}
}

func (m *countingMetrics) MovementRecorded(kind string) {
	m.mu.Lock()
	m.movements[kind]++
	m.mu.Unlock()
}

func (m *countingMetrics) OperationRejected(operation, reason string) {
	m.mu.Lock()
	m.rejected[operation+":"+reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) OperationRetried(string) {
	m.mu.Lock()
	m.retried++
	m.mu.Unlock()
}

func TestRetriesConcurrentModification(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryRepository()
	repo := &flakyRepo{MemoryRepository: base}
	metrics := newCountingMetrics()
	svc := NewService(repo, nil, nil, ServiceConfig{MaxRetries: 2, RetryBackoff: 1, Metrics: metrics}, nil)
	p, err := svc.RegisterProduct(ctx, Product{SKU: "X", Name: "X"})
	require.NoError(t, err)
	w, err := svc.RegisterWarehouse(ctx, Warehouse{Name: "W"})
	require.NoError(t, err)

	repo.failures.Store(2)
	_, err = svc.AppendLot(ctx, AppendLotInput{ProductID: p.ID, WarehouseID: w.ID, Qty: dec("1"), UnitCost: dec("1")})
	require.NoError(t, err)
	require.Equal(t, 2, metrics.retried)
	require.Equal(t, 1, metrics.movements[string(MovementReceipt)])

	repo.failures.Store(3)
	_, err = svc.AppendLot(ctx, AppendLotInput{ProductID: p.ID, WarehouseID: w.ID, Qty: dec("1"), UnitCost: dec("1")})
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.Equal(t, 1, metrics.rejected[opAppendLot+":concurrent_modification"])
}

func TestInsufficientStockIsNotRetried(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	metrics := newCountingMetrics()
	f.svc.metrics = metrics
	_, err := f.svc.RegisterOutbound(context.Background(), OutboundInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("1"), Reason: ReasonWaste})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Zero(t, metrics.retried)
	require.Equal(t, 1, metrics.rejected[opOutbound+":insufficient_stock"])
}

type recordingHooks struct {
	mu     sync.Mutex
	audits []shared.AuditLog
	events []MovementsPostedEvent
}

func (h *recordingHooks) Record(_ context.Context, log shared.AuditLog) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audits = append(h.audits, log)
	return nil
}

func (h *recordingHooks) HandleMovementsPosted(_ context.Context, evt MovementsPostedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	return errors.New("broker down")
}

func TestAfterCommitNotifiesAuditAndEvents(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	hooks := &recordingHooks{}
	svc := NewService(repo, hooks, nil, ServiceConfig{}, hooks)
	p, err := svc.RegisterProduct(ctx, Product{SKU: "X", Name: "X"})
	require.NoError(t, err)
	w1, err := svc.RegisterWarehouse(ctx, Warehouse{Name: "W1"})
	require.NoError(t, err)
	w2, err := svc.RegisterWarehouse(ctx, Warehouse{Name: "W2"})
	require.NoError(t, err)
	_, err = svc.AppendLot(ctx, AppendLotInput{ProductID: p.ID, WarehouseID: w1.ID, Qty: dec("5"), UnitCost: dec("2")})
	require.NoError(t, err)

	// a failing event handler does not fail the committed write
	result, err := svc.RegisterTransfer(ctx, TransferInput{ProductID: p.ID, Origin: w1.ID, Destination: w2.ID, Qty: dec("5"), DocumentRef: "GR-1", ActorID: 7})
	require.NoError(t, err)

	require.Len(t, hooks.audits, 2)
	audit := hooks.audits[1]
	require.Equal(t, "inventory:transfer", audit.Action)
	require.Equal(t, "GR-1", audit.EntityID)
	require.Equal(t, int64(7), audit.ActorID)
	require.Equal(t, []int64{result.Out.ID, result.In.ID}, audit.Meta["movement_ids"])

	require.Len(t, hooks.events, 2)
	require.Equal(t, opTransfer, hooks.events[1].Operation)
	require.Len(t, hooks.events[1].Movements, 2)
}

func TestConservationAcrossOperations(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.seedLots(t)
	ctx := context.Background()
	_, err := f.svc.RegisterTransfer(ctx, TransferInput{ProductID: f.product, Origin: f.warehouse, Destination: f.other, Qty: dec("70")})
	require.NoError(t, err)
	_, err = f.svc.RegisterOutbound(ctx, OutboundInput{ProductID: f.product, WarehouseID: f.other, Qty: dec("15.5"), Reason: ReasonWaste})
	require.NoError(t, err)
	_, err = f.svc.SetInitialStock(ctx, InitialStockInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("60")})
	require.NoError(t, err)
	_, err = f.svc.RegisterOutbound(ctx, OutboundInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("100"), Reason: ReasonSale})
	require.ErrorIs(t, err, ErrInsufficientStock)

	for _, key := range []StockKey{f.key(), {ProductID: f.product, WarehouseID: f.other}} {
		net := decimal.Zero
		for mv, err := range f.repo.Movements(ctx, MovementFilter{ProductID: key.ProductID, WarehouseID: key.WarehouseID}) {
			require.NoError(t, err)
			net = net.Add(mv.SignedQty())
		}
		available, err := f.svc.AvailableQuantity(ctx, key)
		require.NoError(t, err)
		require.Truef(t, net.Equal(available), "key %s: journal %s, lots %s", key, net, available)
	}
}

func TestConcurrentOutboundsNeverOversell(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()
	_, err := f.svc.AppendLot(ctx, AppendLotInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("100"), UnitCost: dec("1")})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RegisterOutbound(ctx, OutboundInput{ProductID: f.product, WarehouseID: f.warehouse, Qty: dec("3"), Reason: ReasonSale})
			if err == nil {
				successes.Add(1)
				return
			}
			if !errors.Is(err, ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(33), successes.Load())
	available, err := f.svc.AvailableQuantity(ctx, f.key())
	require.NoError(t, err)
	requireDecimal(t, "1", available)
}

func TestConcurrentOpposingTransfers(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()
	for _, wh := range []int64{f.warehouse, f.other} {
		_, err := f.svc.AppendLot(ctx, AppendLotInput{ProductID: f.product, WarehouseID: wh, Qty: dec("100"), UnitCost: dec("1")})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.RegisterTransfer(ctx, TransferInput{ProductID: f.product, Origin: f.warehouse, Destination: f.other, Qty: dec("1")})
			if err != nil {
				t.Errorf("transfer: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := f.svc.RegisterTransfer(ctx, TransferInput{ProductID: f.product, Origin: f.other, Destination: f.warehouse, Qty: dec("1")})
			if err != nil {
				t.Errorf("transfer: %v", err)
			}
		}()
	}
	wg.Wait()

	a, err := f.svc.AvailableQuantity(ctx, f.key())
	require.NoError(t, err)
	b, err := f.svc.AvailableQuantity(ctx, StockKey{ProductID: f.product, WarehouseID: f.other})
	require.NoError(t, err)
	requireDecimal(t, "200", a.Add(b))
}

func TestRegisterProductDefaults(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()
	p, err := f.svc.RegisterProduct(ctx, Product{SKU: "SKU-1", Name: "Cemento Tipo I", MinStock: dec("10")})
	require.NoError(t, err)
	require.Equal(t, f.product, p.ID)
	require.Equal(t, "UND", p.UOM)

	_, err = f.svc.RegisterProduct(ctx, Product{Name: "sin sku"})
	require.Error(t, err)

	products, err := f.svc.Products(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, "Cemento Tipo I", products[0].Name)
}
