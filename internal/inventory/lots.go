package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LotInput describes a lot to append and the inbound movement journaling it.
type LotInput struct {
	Key         StockKey
	Qty         decimal.Decimal
	UnitCost    decimal.Decimal
	SourceRef   string
	Kind        MovementKind
	Counterpart int64
	ActorID     int64
	OccurredAt  time.Time
}

// AppendLot creates the next lot for the key and journals it. It must run
// inside a transaction holding the key lock.
func AppendLot(ctx context.Context, tx TxRepository, in LotInput) (Lot, Movement, error) {
	if !in.Key.Valid() {
		return Lot{}, Movement{}, ErrUnknownProductOrWarehouse
	}
	if !in.Qty.IsPositive() {
		return Lot{}, Movement{}, ErrInvalidQuantity
	}
	if in.UnitCost.IsNegative() {
		return Lot{}, Movement{}, ErrInvalidUnitCost
	}
	lots, mv, err := appendLayers(ctx, tx, in, []costLayer{{qty: in.Qty, unitCost: in.UnitCost}})
	if err != nil {
		return Lot{}, Movement{}, err
	}
	return lots[0], mv, nil
}

// AppendLayers recreates consumed allocations as lots of the key, one lot per
// run of equal unit cost, under a single inbound movement. The movement total
// is the exact sum of the allocations. Qty and UnitCost of in are ignored.
func AppendLayers(ctx context.Context, tx TxRepository, in LotInput, allocations []Allocation) ([]Lot, Movement, error) {
	var layers []costLayer
	for _, alloc := range allocations {
		if !alloc.Qty.IsPositive() {
			return nil, Movement{}, ErrInvalidQuantity
		}
		if alloc.UnitCost.IsNegative() {
			return nil, Movement{}, ErrInvalidUnitCost
		}
		if n := len(layers); n > 0 && layers[n-1].unitCost.Equal(alloc.UnitCost) {
			layers[n-1].qty = layers[n-1].qty.Add(alloc.Qty)
			continue
		}
		layers = append(layers, costLayer{qty: alloc.Qty, unitCost: alloc.UnitCost})
	}
	if len(layers) == 0 {
		return nil, Movement{}, ErrInvalidQuantity
	}
	return appendLayers(ctx, tx, in, layers)
}

type costLayer struct {
	qty      decimal.Decimal
	unitCost decimal.Decimal
}

func appendLayers(ctx context.Context, tx TxRepository, in LotInput, layers []costLayer) ([]Lot, Movement, error) {
	if !in.Key.Valid() {
		return nil, Movement{}, ErrUnknownProductOrWarehouse
	}
	kind := in.Kind
	if kind == "" {
		kind = MovementReceipt
	}
	if !kind.Inbound() {
		return nil, Movement{}, fmt.Errorf("inventory: %s cannot create a lot", kind)
	}
	lots := make([]Lot, 0, len(layers))
	allocations := make([]Allocation, 0, len(layers))
	qty := decimal.Zero
	total := decimal.Zero
	for _, layer := range layers {
		seq, err := tx.NextSequence(ctx, in.Key)
		if err != nil {
			return nil, Movement{}, err
		}
		lot := Lot{
			Ref:          LotRef{ProductID: in.Key.ProductID, WarehouseID: in.Key.WarehouseID, Sequence: seq},
			QtyReceived:  layer.qty,
			QtyRemaining: layer.qty,
			UnitCost:     layer.unitCost,
			SourceRef:    in.SourceRef,
			ReceivedAt:   in.OccurredAt,
		}
		if err := tx.InsertLot(ctx, lot); err != nil {
			return nil, Movement{}, err
		}
		lots = append(lots, lot)
		allocations = append(allocations, Allocation{Lot: lot.Ref, Qty: layer.qty, UnitCost: layer.unitCost})
		qty = qty.Add(layer.qty)
		total = total.Add(layer.qty.Mul(layer.unitCost))
	}
	unitCost := layers[0].unitCost
	if len(layers) > 1 {
		unitCost = total.DivRound(qty, costScale)
	}
	mv, err := tx.AppendMovement(ctx, Movement{
		Kind:                   kind,
		ProductID:              in.Key.ProductID,
		WarehouseID:            in.Key.WarehouseID,
		CounterpartWarehouseID: in.Counterpart,
		Qty:                    qty,
		UnitCost:               unitCost,
		TotalCost:              total,
		DocumentRef:            in.SourceRef,
		Allocations:            allocations,
		ActorID:                in.ActorID,
		OccurredAt:             in.OccurredAt,
	})
	if err != nil {
		return nil, Movement{}, err
	}
	return lots, mv, nil
}

// Consume removes qty from the key's open lots in ascending sequence. The
// whole plan is computed before any lot is touched, so a shortage leaves the
// store unchanged. Journaling the consumption is the caller's job.
func Consume(ctx context.Context, tx TxRepository, key StockKey, qty decimal.Decimal) (Consumption, error) {
	if !qty.IsPositive() {
		return Consumption{}, ErrInvalidQuantity
	}
	lots, err := tx.OpenLots(ctx, key)
	if err != nil {
		return Consumption{}, err
	}
	plan, updated, err := planConsumption(key, lots, qty)
	if err != nil {
		return Consumption{}, err
	}
	for _, lot := range updated {
		if err := tx.UpdateLotRemaining(ctx, lot.Ref, lot.QtyRemaining); err != nil {
			return Consumption{}, err
		}
	}
	return plan, nil
}

// planConsumption returns the FIFO allocations for qty and the lots whose
// remaining quantity changes.
func planConsumption(key StockKey, lots []Lot, qty decimal.Decimal) (Consumption, []Lot, error) {
	available := AvailableQuantity(lots)
	if available.LessThan(qty) {
		return Consumption{}, nil, &ShortageError{Key: key, Requested: qty, Available: available}
	}
	plan := Consumption{Qty: qty, TotalCost: decimal.Zero}
	var updated []Lot
	need := qty
	for _, lot := range lots {
		if !need.IsPositive() {
			break
		}
		if !lot.Open() {
			continue
		}
		take := decimal.Min(need, lot.QtyRemaining)
		plan.Allocations = append(plan.Allocations, Allocation{Lot: lot.Ref, Qty: take, UnitCost: lot.UnitCost})
		plan.TotalCost = plan.TotalCost.Add(take.Mul(lot.UnitCost))
		lot.QtyRemaining = lot.QtyRemaining.Sub(take)
		updated = append(updated, lot)
		need = need.Sub(take)
	}
	return plan, updated, nil
}

// AvailableQuantity sums the remaining quantity of lots.
func AvailableQuantity(lots []Lot) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.QtyRemaining)
	}
	return total
}

// WeightedUnitCost averages the remaining lots by quantity. It is zero when
// no stock remains.
func WeightedUnitCost(lots []Lot) decimal.Decimal {
	qty := decimal.Zero
	value := decimal.Zero
	for _, lot := range lots {
		qty = qty.Add(lot.QtyRemaining)
		value = value.Add(lot.Value())
	}
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return value.DivRound(qty, costScale)
}
