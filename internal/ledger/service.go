package ledger

import (
	"cmp"
	"context"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
)

// Service answers journal queries, caching expensive reports.
type Service struct {
	journal inventory.JournalReader
	cache   *Cache
	logger  *slog.Logger
	builds  singleflight.Group
	now     func() time.Time
}

// NewService wires a journal reader with a Cache helper. cache may be nil.
func NewService(journal inventory.JournalReader, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		journal: journal,
		cache:   cache,
		logger:  logger.With(slog.String("module", "ledger")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Invalidate drops every cached report.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

func validRange(start, end time.Time) bool {
	return start.IsZero() || end.IsZero() || !start.After(end)
}

// Kardex streams the movements matching q in journal order. The sequence is
// lazy and can be ranged over again to re-run the query. When q names a
// product every entry carries the running balance, opened with the net
// quantity journaled before q.Start.
func (s *Service) Kardex(ctx context.Context, q KardexQuery) iter.Seq2[KardexEntry, error] {
	return func(yield func(KardexEntry, error) bool) {
		if !validRange(q.Start, q.End) {
			yield(KardexEntry{}, ErrInvalidRange)
			return
		}
		var balance *decimal.Decimal
		if q.ProductID != 0 {
			opening := decimal.Zero
			if !q.Start.IsZero() {
				var err error
				opening, err = s.journal.NetQuantityBefore(ctx, q.ProductID, q.WarehouseID, q.Start)
				if err != nil {
					yield(KardexEntry{}, err)
					return
				}
			}
			balance = &opening
		}
		filter := inventory.MovementFilter{ProductID: q.ProductID, WarehouseID: q.WarehouseID, From: q.Start, To: q.End}
		for mv, err := range s.journal.Movements(ctx, filter) {
			if err != nil {
				yield(KardexEntry{}, err)
				return
			}
			entry := KardexEntry{
				MovementID:  mv.ID,
				Date:        mv.OccurredAt,
				Kind:        mv.Kind,
				Reason:      mv.Reason,
				ProductID:   mv.ProductID,
				WarehouseID: mv.WarehouseID,
				DocumentRef: mv.DocumentRef,
				Entries:     decimal.Zero,
				Exits:       decimal.Zero,
				UnitCost:    mv.UnitCost,
				TotalCost:   mv.TotalCost,
			}
			if mv.Kind.Inbound() {
				entry.Entries = mv.Qty
			} else {
				entry.Exits = mv.Qty
			}
			if balance != nil {
				next := balance.Add(mv.SignedQty())
				balance = &next
				entry.RunningBalance = &next
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// ValuationSnapshot values the stock as of asOf; a zero asOf values the
// current open lots. Results are cached until the next posted movement and
// concurrent builds of the same snapshot share one journal read.
func (s *Service) ValuationSnapshot(ctx context.Context, asOf time.Time) (ValuationSnapshot, error) {
	token := "live"
	if !asOf.IsZero() {
		asOf = asOf.UTC()
		token = asOf.Format(time.RFC3339Nano)
	}
	key, err := s.cache.BuildKey(ctx, "valuation", token)
	if err != nil {
		s.logger.Warn("build valuation cache key", slog.Any("error", err))
		return s.buildValuation(ctx, asOf)
	}
	ch := s.builds.DoChan(key, func() (any, error) {
		var snap ValuationSnapshot
		buildCtx := context.WithoutCancel(ctx)
		err := s.cache.FetchJSON(buildCtx, key, &snap, func(ctx context.Context) (any, error) {
			return s.buildValuation(ctx, asOf)
		})
		return snap, err
	})
	select {
	case <-ctx.Done():
		return ValuationSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ValuationSnapshot{}, res.Err
		}
		return res.Val.(ValuationSnapshot), nil
	}
}

func (s *Service) buildValuation(ctx context.Context, asOf time.Time) (ValuationSnapshot, error) {
	if asOf.IsZero() {
		lots, err := s.journal.AllOpenLots(ctx)
		if err != nil {
			return ValuationSnapshot{}, err
		}
		return valuate(s.now(), lots), nil
	}
	lots, err := s.replayLots(ctx, asOf)
	if err != nil {
		return ValuationSnapshot{}, err
	}
	return valuate(asOf, lots), nil
}

// replayLots rebuilds every lot's remaining quantity from the allocations
// journaled at or before asOf.
func (s *Service) replayLots(ctx context.Context, asOf time.Time) ([]inventory.Lot, error) {
	lots := make(map[inventory.LotRef]inventory.Lot)
	for mv, err := range s.journal.Movements(ctx, inventory.MovementFilter{To: asOf}) {
		if err != nil {
			return nil, err
		}
		for _, alloc := range mv.Allocations {
			lot := lots[alloc.Lot]
			if mv.Kind.Inbound() {
				lot.Ref = alloc.Lot
				lot.UnitCost = alloc.UnitCost
				lot.QtyReceived = lot.QtyReceived.Add(alloc.Qty)
				lot.QtyRemaining = lot.QtyRemaining.Add(alloc.Qty)
			} else {
				lot.QtyRemaining = lot.QtyRemaining.Sub(alloc.Qty)
			}
			lots[alloc.Lot] = lot
		}
	}
	out := make([]inventory.Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Open() {
			out = append(out, lot)
		}
	}
	return out, nil
}

func valuate(asOf time.Time, lots []inventory.Lot) ValuationSnapshot {
	byKey := make(map[inventory.StockKey]*ValuationLine)
	for _, lot := range lots {
		if !lot.Open() {
			continue
		}
		key := lot.Ref.Key()
		line, ok := byKey[key]
		if !ok {
			line = &ValuationLine{ProductID: key.ProductID, WarehouseID: key.WarehouseID, Quantity: decimal.Zero, TotalValue: decimal.Zero}
			byKey[key] = line
		}
		line.Quantity = line.Quantity.Add(lot.QtyRemaining)
		line.TotalValue = line.TotalValue.Add(lot.Value())
	}
	snap := ValuationSnapshot{AsOf: asOf, Lines: make([]ValuationLine, 0, len(byKey)), GrandTotal: decimal.Zero}
	for _, line := range byKey {
		line.UnitCostRef = line.TotalValue.DivRound(line.Quantity, costScale)
		snap.Lines = append(snap.Lines, *line)
		snap.GrandTotal = snap.GrandTotal.Add(line.TotalValue)
	}
	slices.SortFunc(snap.Lines, func(a, b ValuationLine) int {
		if c := cmp.Compare(a.ProductID, b.ProductID); c != 0 {
			return c
		}
		return cmp.Compare(a.WarehouseID, b.WarehouseID)
	})
	return snap
}

type exitGroupKey struct {
	productID int64
	reason    inventory.OutboundReason
}

// ExitCosts reports the realized cost of every OUTBOUND movement in the
// period, grouped by product and reason.
func (s *Service) ExitCosts(ctx context.Context, from, to time.Time) (ExitCostReport, error) {
	if !validRange(from, to) {
		return ExitCostReport{}, ErrInvalidRange
	}
	report := ExitCostReport{From: from, To: to, Exits: []ExitCost{}, TotalCost: decimal.Zero}
	groups := make(map[exitGroupKey]*ExitCostGroup)
	var order []exitGroupKey
	for mv, err := range s.journal.Movements(ctx, inventory.MovementFilter{From: from, To: to}) {
		if err != nil {
			return ExitCostReport{}, err
		}
		if mv.Kind != inventory.MovementOutbound {
			continue
		}
		report.Exits = append(report.Exits, ExitCost{
			MovementID:  mv.ID,
			Date:        mv.OccurredAt,
			ProductID:   mv.ProductID,
			WarehouseID: mv.WarehouseID,
			Reason:      mv.Reason,
			DocumentRef: mv.DocumentRef,
			Qty:         mv.Qty,
			UnitCost:    mv.UnitCost,
			TotalCost:   mv.TotalCost,
		})
		report.TotalCost = report.TotalCost.Add(mv.TotalCost)
		gk := exitGroupKey{productID: mv.ProductID, reason: mv.Reason}
		group, ok := groups[gk]
		if !ok {
			group = &ExitCostGroup{ProductID: mv.ProductID, Reason: mv.Reason, Qty: decimal.Zero, TotalCost: decimal.Zero}
			groups[gk] = group
			order = append(order, gk)
		}
		group.Qty = group.Qty.Add(mv.Qty)
		group.TotalCost = group.TotalCost.Add(mv.TotalCost)
		group.Count++
	}
	slices.SortFunc(order, func(a, b exitGroupKey) int {
		if c := cmp.Compare(a.productID, b.productID); c != 0 {
			return c
		}
		return cmp.Compare(a.reason, b.reason)
	})
	report.Groups = make([]ExitCostGroup, 0, len(order))
	for _, gk := range order {
		report.Groups = append(report.Groups, *groups[gk])
	}
	return report, nil
}

// StockAlerts lists products whose stock across all warehouses is at or
// below their minimum, most urgent first. limit <= 0 uses DefaultAlertLimit.
func (s *Service) StockAlerts(ctx context.Context, limit int) ([]StockAlert, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	products, err := s.journal.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	available, err := s.journal.AvailableByProduct(ctx)
	if err != nil {
		return nil, err
	}
	alerts := make([]StockAlert, 0)
	for _, p := range products {
		stock := available[p.ID]
		level, ok := ClassifyStock(stock, p.MinStock)
		if !ok {
			continue
		}
		alerts = append(alerts, StockAlert{ProductID: p.ID, SKU: p.SKU, Name: p.Name, Stock: stock, MinStock: p.MinStock, Level: level})
	}
	slices.SortFunc(alerts, func(a, b StockAlert) int {
		if c := cmp.Compare(a.Level.severity(), b.Level.severity()); c != 0 {
			return c
		}
		if c := a.Stock.Cmp(b.Stock); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// Rotation ranks products by the quantity that left stock through OUTBOUND
// movements in the window ending now. Initial-load adjustments are not
// exits. window <= 0 and limit <= 0 use the defaults.
func (s *Service) Rotation(ctx context.Context, window time.Duration, limit int) (RotationReport, error) {
	if window <= 0 {
		window = DefaultRotationWindow
	}
	if limit <= 0 {
		limit = DefaultRotationLimit
	}
	to := s.now()
	from := to.Add(-window)
	exits := make(map[int64]decimal.Decimal)
	for mv, err := range s.journal.Movements(ctx, inventory.MovementFilter{From: from, To: to}) {
		if err != nil {
			return RotationReport{}, err
		}
		if mv.Kind != inventory.MovementOutbound || mv.DocumentRef == inventory.InitialLoadRef {
			continue
		}
		exits[mv.ProductID] = exits[mv.ProductID].Add(mv.Qty)
	}
	products, err := s.journal.ListProducts(ctx)
	if err != nil {
		return RotationReport{}, err
	}
	available, err := s.journal.AvailableByProduct(ctx)
	if err != nil {
		return RotationReport{}, err
	}
	report := RotationReport{From: from, To: to, High: []RotationLine{}, Low: []RotationLine{}}
	for _, p := range products {
		line := RotationLine{ProductID: p.ID, SKU: p.SKU, Name: p.Name, UOM: p.UOM, Exits: exits[p.ID], Stock: available[p.ID]}
		if line.Exits.IsPositive() {
			report.High = append(report.High, line)
		}
		if line.Stock.IsPositive() {
			report.Low = append(report.Low, line)
		}
	}
	slices.SortFunc(report.High, func(a, b RotationLine) int {
		if c := b.Exits.Cmp(a.Exits); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	slices.SortFunc(report.Low, func(a, b RotationLine) int {
		if c := a.Exits.Cmp(b.Exits); c != 0 {
			return c
		}
		if c := b.Stock.Cmp(a.Stock); c != 0 {
			return c
		}
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	report.High = report.High[:min(len(report.High), limit)]
	report.Low = report.Low[:min(len(report.Low), limit)]
	return report, nil
}
