package procurement

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/shopspring/decimal"
)

type guideKey struct {
	supplierID int64
	number     string
}

type memoryState struct {
	orders   map[int64]PurchaseOrder
	lines    map[int64]OrderLine
	receipts map[int64][]Receipt
	guides   map[guideKey]Guide
	nextID   int64
}

func (s memoryState) clone() memoryState {
	return memoryState{
		orders:   maps.Clone(s.orders),
		lines:    maps.Clone(s.lines),
		receipts: maps.Clone(s.receipts),
		guides:   maps.Clone(s.guides),
		nextID:   s.nextID,
	}
}

// MemoryRepository keeps orders in process memory. Write transactions run one
// at a time on a private copy that replaces the committed state on success.
type MemoryRepository struct {
	mu    sync.RWMutex
	state memoryState
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: memoryState{
		orders:   make(map[int64]PurchaseOrder),
		lines:    make(map[int64]OrderLine),
		receipts: make(map[int64][]Receipt),
		guides:   make(map[guideKey]Guide),
	}}
}

// WithTx implements RepositoryPort.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{memoryReader{state: r.state.clone()}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = tx.state
	return nil
}

// Snapshot implements RepositoryPort.
func (r *MemoryRepository) Snapshot(ctx context.Context, fn func(context.Context, ReadRepository) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(ctx, memoryReader{state: r.state})
}

type memoryReader struct {
	state memoryState
}

func (m memoryReader) GetOrder(_ context.Context, id int64) (PurchaseOrder, []OrderLine, error) {
	order, ok := m.state.orders[id]
	if !ok {
		return PurchaseOrder{}, nil, ErrOrderNotFound
	}
	var lines []OrderLine
	for _, line := range m.state.lines {
		if line.OrderID == id {
			lines = append(lines, line)
		}
	}
	slices.SortFunc(lines, func(a, b OrderLine) int { return cmp.Compare(a.ID, b.ID) })
	return order, lines, nil
}

func (m memoryReader) Receipts(_ context.Context, lineIDs []int64) (map[int64][]Receipt, error) {
	out := make(map[int64][]Receipt, len(lineIDs))
	for _, id := range lineIDs {
		if receipts := m.state.receipts[id]; len(receipts) > 0 {
			out[id] = slices.Clone(receipts)
		}
	}
	return out, nil
}

func (m memoryReader) ListOrders(_ context.Context, supplierID int64) ([]PurchaseOrder, error) {
	out := make([]PurchaseOrder, 0, len(m.state.orders))
	for _, order := range m.state.orders {
		if supplierID == 0 || order.SupplierID == supplierID {
			out = append(out, order)
		}
	}
	slices.SortFunc(out, func(a, b PurchaseOrder) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

type memoryTx struct {
	memoryReader
}

func (tx *memoryTx) id() int64 {
	tx.state.nextID++
	return tx.state.nextID
}

func (tx *memoryTx) CreateOrder(_ context.Context, po PurchaseOrder) (int64, error) {
	for _, existing := range tx.state.orders {
		if existing.Number == po.Number {
			return 0, ErrDuplicateOrder
		}
	}
	po.ID = tx.id()
	tx.state.orders[po.ID] = po
	return po.ID, nil
}

func (tx *memoryTx) InsertOrderLine(_ context.Context, line OrderLine) (int64, error) {
	if _, ok := tx.state.orders[line.OrderID]; !ok {
		return 0, ErrOrderNotFound
	}
	line.ID = tx.id()
	tx.state.lines[line.ID] = line
	return line.ID, nil
}

func (tx *memoryTx) LockLine(_ context.Context, lineID int64) (OrderLine, error) {
	line, ok := tx.state.lines[lineID]
	if !ok {
		return OrderLine{}, ErrOrderLineNotFound
	}
	return line, nil
}

func (tx *memoryTx) NextReceiptSequence(_ context.Context, lineID int64) (int64, error) {
	return int64(len(tx.state.receipts[lineID])) + 1, nil
}

func (tx *memoryTx) InsertReceipt(_ context.Context, r Receipt) error {
	if _, ok := tx.state.lines[r.OrderLineID]; !ok {
		return ErrOrderLineNotFound
	}
	tx.state.receipts[r.OrderLineID] = append(slices.Clone(tx.state.receipts[r.OrderLineID]), r)
	return nil
}

func (tx *memoryTx) InsertGuide(_ context.Context, g Guide) (int64, error) {
	key := guideKey{supplierID: g.SupplierID, number: g.Number}
	if _, ok := tx.state.guides[key]; ok {
		return 0, ErrDuplicateGuide
	}
	g.ID = tx.id()
	tx.state.guides[key] = g
	return g.ID, nil
}

func (tx *memoryTx) AddInvoiced(_ context.Context, lineID int64, qty decimal.Decimal) error {
	line, ok := tx.state.lines[lineID]
	if !ok {
		return ErrOrderLineNotFound
	}
	line.QtyInvoiced = line.QtyInvoiced.Add(qty)
	tx.state.lines[lineID] = line
	return nil
}

var _ RepositoryPort = (*MemoryRepository)(nil)
