package inventory

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryRepository keeps the ledger in process memory. Writers serialise per
// stock key through a KeyLocker and publish their changes atomically on
// commit; readers work on the state committed when they started.
type MemoryRepository struct {
	mu         sync.RWMutex
	locker     *KeyLocker
	products   map[int64]Product
	warehouses map[int64]Warehouse
	lots       map[StockKey][]Lot
	journal    []Movement
	catalogSeq int64
	movementID atomic.Int64
	clock      func() time.Time
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locker:     NewKeyLocker(),
		products:   make(map[int64]Product),
		warehouses: make(map[int64]Warehouse),
		lots:       make(map[StockKey][]Lot),
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source for movements missing one.
func (r *MemoryRepository) SetClock(clock func() time.Time) {
	r.mu.Lock()
	r.clock = clock
	r.mu.Unlock()
}

// WithTx runs fn against a private view and commits it when fn succeeds.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r, dirty: make(map[StockKey][]Lot), held: make(map[StockKey]bool)}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.commit(tx)
	return nil
}

func (r *MemoryRepository) commit(tx *memoryTx) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, lots := range tx.dirty {
		r.lots[key] = lots
	}
	for _, mv := range tx.movements {
		n := len(r.journal)
		if n == 0 || r.journal[n-1].ID < mv.ID {
			r.journal = append(r.journal, mv)
			continue
		}
		// A later id committed first; copy so running readers keep their view.
		idx, _ := slices.BinarySearchFunc(r.journal, mv.ID, func(m Movement, id int64) int {
			return cmp.Compare(m.ID, id)
		})
		r.journal = slices.Insert(slices.Clone(r.journal), idx, mv)
	}
}

func (r *MemoryRepository) committedLots(key StockKey) []Lot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.lots[key])
}

// OpenLots returns the committed open lots of key in sequence order.
func (r *MemoryRepository) OpenLots(_ context.Context, key StockKey) ([]Lot, error) {
	return openOnly(r.committedLots(key)), nil
}

// Lots returns every committed lot of key, exhausted ones included.
func (r *MemoryRepository) Lots(_ context.Context, key StockKey) ([]Lot, error) {
	return r.committedLots(key), nil
}

// UpsertProduct stores p, assigning an id when missing. A product with the
// same SKU is updated in place.
func (r *MemoryRepository) UpsertProduct(_ context.Context, p Product) (Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == 0 {
		for _, existing := range r.products {
			if p.SKU != "" && existing.SKU == p.SKU {
				p.ID = existing.ID
				break
			}
		}
	}
	if p.ID == 0 {
		r.catalogSeq++
		p.ID = r.catalogSeq
	}
	r.catalogSeq = max(r.catalogSeq, p.ID)
	r.products[p.ID] = p
	return p, nil
}

// UpsertWarehouse stores w, assigning an id when missing.
func (r *MemoryRepository) UpsertWarehouse(_ context.Context, w Warehouse) (Warehouse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.ID == 0 {
		r.catalogSeq++
		w.ID = r.catalogSeq
	}
	r.catalogSeq = max(r.catalogSeq, w.ID)
	r.warehouses[w.ID] = w
	return w, nil
}

// ListProducts returns products ordered by id.
func (r *MemoryRepository) ListProducts(context.Context) ([]Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Product) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// ListWarehouses returns warehouses ordered by id.
func (r *MemoryRepository) ListWarehouses(context.Context) ([]Warehouse, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Warehouse, 0, len(r.warehouses))
	for _, w := range r.warehouses {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b Warehouse) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Movements yields matching movements in id order.
func (r *MemoryRepository) Movements(ctx context.Context, filter MovementFilter) iter.Seq2[Movement, error] {
	return func(yield func(Movement, error) bool) {
		r.mu.RLock()
		snapshot := r.journal
		r.mu.RUnlock()
		for _, mv := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Movement{}, err)
				return
			}
			if !filter.Matches(mv) {
				continue
			}
			if !yield(mv, nil) {
				return
			}
		}
	}
}

// DocumentMovements returns the committed movements of kind under ref.
func (r *MemoryRepository) DocumentMovements(_ context.Context, kind MovementKind, ref string) ([]Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Movement
	for _, mv := range r.journal {
		if mv.Kind == kind && mv.DocumentRef == ref {
			out = append(out, mv)
		}
	}
	return out, nil
}

// NetQuantityBefore sums signed quantities journaled before the instant.
func (r *MemoryRepository) NetQuantityBefore(ctx context.Context, productID, warehouseID int64, before time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for mv, err := range r.Movements(ctx, MovementFilter{ProductID: productID, WarehouseID: warehouseID}) {
		if err != nil {
			return decimal.Zero, err
		}
		if !mv.OccurredAt.Before(before) {
			continue
		}
		total = total.Add(mv.SignedQty())
	}
	return total, nil
}

// AllOpenLots returns every open lot ordered by product, warehouse and sequence.
func (r *MemoryRepository) AllOpenLots(context.Context) ([]Lot, error) {
	r.mu.RLock()
	var out []Lot
	for _, lots := range r.lots {
		out = append(out, openOnly(lots)...)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, compareLots)
	return out, nil
}

// AvailableByProduct totals open quantity per product across warehouses.
func (r *MemoryRepository) AvailableByProduct(context.Context) (map[int64]decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]decimal.Decimal)
	for key, lots := range r.lots {
		out[key.ProductID] = out[key.ProductID].Add(AvailableQuantity(lots))
	}
	return out, nil
}

type memoryTx struct {
	repo      *MemoryRepository
	dirty     map[StockKey][]Lot
	held      map[StockKey]bool
	releases  []func()
	movements []Movement
}

func (tx *memoryTx) release() {
	for i := len(tx.releases) - 1; i >= 0; i-- {
		tx.releases[i]()
	}
	tx.releases = nil
}

func (tx *memoryTx) LockKeys(ctx context.Context, keys []StockKey) error {
	pending := make([]StockKey, 0, len(keys))
	for _, key := range keys {
		if !tx.held[key] {
			pending = append(pending, key)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	unlock, err := tx.repo.locker.Lock(ctx, pending)
	if err != nil {
		return err
	}
	for _, key := range pending {
		tx.held[key] = true
	}
	tx.releases = append(tx.releases, unlock)
	return nil
}

func (tx *memoryTx) CheckKey(_ context.Context, key StockKey) error {
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	if _, ok := tx.repo.products[key.ProductID]; !ok {
		return ErrUnknownProductOrWarehouse
	}
	if _, ok := tx.repo.warehouses[key.WarehouseID]; !ok {
		return ErrUnknownProductOrWarehouse
	}
	return nil
}

func (tx *memoryTx) view(key StockKey) []Lot {
	if lots, ok := tx.dirty[key]; ok {
		return lots
	}
	return tx.repo.committedLots(key)
}

func (tx *memoryTx) mutable(key StockKey) []Lot {
	if lots, ok := tx.dirty[key]; ok {
		return lots
	}
	lots := tx.repo.committedLots(key)
	tx.dirty[key] = lots
	return lots
}

func (tx *memoryTx) OpenLots(_ context.Context, key StockKey) ([]Lot, error) {
	return openOnly(tx.view(key)), nil
}

func (tx *memoryTx) NextSequence(_ context.Context, key StockKey) (int64, error) {
	lots := tx.view(key)
	if len(lots) == 0 {
		return 1, nil
	}
	return lots[len(lots)-1].Ref.Sequence + 1, nil
}

func (tx *memoryTx) InsertLot(_ context.Context, lot Lot) error {
	key := lot.Ref.Key()
	lots := tx.mutable(key)
	if n := len(lots); n > 0 && lots[n-1].Ref.Sequence >= lot.Ref.Sequence {
		return ErrConcurrentModification
	}
	tx.dirty[key] = append(lots, lot)
	return nil
}

func (tx *memoryTx) UpdateLotRemaining(_ context.Context, ref LotRef, remaining decimal.Decimal) error {
	lots := tx.mutable(ref.Key())
	for i := range lots {
		if lots[i].Ref.Sequence == ref.Sequence {
			lots[i].QtyRemaining = remaining
			return nil
		}
	}
	return ErrConcurrentModification
}

func (tx *memoryTx) AppendMovement(_ context.Context, m Movement) (Movement, error) {
	if !m.Kind.Valid() {
		return Movement{}, fmt.Errorf("inventory: invalid movement kind %q", m.Kind)
	}
	m.ID = tx.repo.movementID.Add(1)
	if m.OccurredAt.IsZero() {
		tx.repo.mu.RLock()
		m.OccurredAt = tx.repo.clock()
		tx.repo.mu.RUnlock()
	}
	tx.movements = append(tx.movements, m)
	return m, nil
}

func openOnly(lots []Lot) []Lot {
	out := make([]Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Open() {
			out = append(out, lot)
		}
	}
	return out
}

func compareLots(a, b Lot) int {
	if c := cmp.Compare(a.Ref.ProductID, b.Ref.ProductID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Ref.WarehouseID, b.Ref.WarehouseID); c != 0 {
		return c
	}
	return cmp.Compare(a.Ref.Sequence, b.Ref.Sequence)
}

var (
	_ RepositoryPort = (*MemoryRepository)(nil)
	_ JournalReader  = (*MemoryRepository)(nil)
)
