package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// stepClock advances one minute on every reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type journalFixture struct {
	repo      *inventory.MemoryRepository
	inventory *inventory.Service
	clock     *stepClock
	product   int64
	central   int64
	north     int64
}

func newJournalFixture(t *testing.T) journalFixture {
	t.Helper()
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	repo := inventory.NewMemoryRepository()
	inv := inventory.NewService(repo, nil, nil, inventory.ServiceConfig{Clock: clock.Now}, nil)
	p, err := inv.RegisterProduct(ctx, inventory.Product{SKU: "CEM", Name: "Cemento", MinStock: dec("20")})
	require.NoError(t, err)
	w1, err := inv.RegisterWarehouse(ctx, inventory.Warehouse{Name: "Central"})
	require.NoError(t, err)
	w2, err := inv.RegisterWarehouse(ctx, inventory.Warehouse{Name: "Norte"})
	require.NoError(t, err)
	return journalFixture{repo: repo, inventory: inv, clock: clock, product: p.ID, central: w1.ID, north: w2.ID}
}

func (f journalFixture) lot(t *testing.T, warehouse int64, qty, cost string) {
	t.Helper()
	_, err := f.inventory.AppendLot(context.Background(), inventory.AppendLotInput{ProductID: f.product, WarehouseID: warehouse, Qty: dec(qty), UnitCost: dec(cost)})
	require.NoError(t, err)
}

func (f journalFixture) exit(t *testing.T, qty string, reason inventory.OutboundReason) inventory.OutboundResult {
	t.Helper()
	out, err := f.inventory.RegisterOutbound(context.Background(), inventory.OutboundInput{ProductID: f.product, WarehouseID: f.central, Qty: dec(qty), Reason: reason})
	require.NoError(t, err)
	return out
}

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestKardexRunningBalance(t *testing.T) {
	f := newJournalFixture(t)
	ctx := context.Background()
	f.lot(t, f.central, "100", "10")
	f.lot(t, f.central, "50", "12")
	f.exit(t, "120", inventory.ReasonSale)
	_, err := f.inventory.RegisterTransfer(ctx, inventory.TransferInput{ProductID: f.product, Origin: f.central, Destination: f.north, Qty: dec("20")})
	require.NoError(t, err)

	svc := NewService(f.repo, nil, nil)
	var balances, exits []string
	for entry, err := range svc.Kardex(ctx, KardexQuery{ProductID: f.product, WarehouseID: f.central}) {
		require.NoError(t, err)
		require.NotNil(t, entry.RunningBalance)
		balances = append(balances, entry.RunningBalance.String())
		exits = append(exits, entry.Exits.String())
	}
	require.Equal(t, []string{"100", "150", "30", "10"}, balances)
	require.Equal(t, []string{"0", "0", "120", "20"}, exits)

	// no product: balance omitted, every warehouse included
	count := 0
	for entry, err := range svc.Kardex(ctx, KardexQuery{}) {
		require.NoError(t, err)
		require.Nil(t, entry.RunningBalance)
		count++
	}
	require.Equal(t, 5, count)
}

func TestKardexOpeningBalanceAndRestart(t *testing.T) {
	f := newJournalFixture(t)
	ctx := context.Background()
	f.lot(t, f.central, "100", "10")
	f.exit(t, "30", inventory.ReasonWaste)
	start := f.clock.Now()
	f.lot(t, f.central, "5", "11")
	f.exit(t, "10", inventory.ReasonSale)

	svc := NewService(f.repo, nil, nil)
	seq := svc.Kardex(ctx, KardexQuery{ProductID: f.product, Start: start})
	for range 2 {
		var balances []string
		for entry, err := range seq {
			require.NoError(t, err)
			balances = append(balances, entry.RunningBalance.String())
		}
		require.Equal(t, []string{"75", "65"}, balances)
	}

	// breaking early stops the walk
	seen := 0
	for _, err := range seq {
		require.NoError(t, err)
		seen++
		break
	}
	require.Equal(t, 1, seen)
}

func TestKardexRejectsInvertedRange(t *testing.T) {
	f := newJournalFixture(t)
	svc := NewService(f.repo, nil, nil)
	now := time.Now()
	var errs []error
	for _, err := range svc.Kardex(context.Background(), KardexQuery{Start: now, End: now.Add(-time.Hour)}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrInvalidRange)
}

func TestValuationRoundTrip(t *testing.T) {
	f := newJournalFixture(t)
	ctx := context.Background()
	f.lot(t, f.central, "100", "10")
	f.lot(t, f.central, "50", "12")
	f.exit(t, "120", inventory.ReasonSale)
	_, err := f.inventory.RegisterTransfer(ctx, inventory.TransferInput{ProductID: f.product, Origin: f.central, Destination: f.north, Qty: dec("20")})
	require.NoError(t, err)
	_, err = f.inventory.SetInitialStock(ctx, inventory.InitialStockInput{ProductID: f.product, WarehouseID: f.north, Qty: dec("25"), UnitCost: dec("13")})
	require.NoError(t, err)

	svc := NewService(f.repo, nil, nil)
	live, err := svc.ValuationSnapshot(ctx, time.Time{})
	require.NoError(t, err)

	inbound, outbound := decimal.Zero, decimal.Zero
	for mv, err := range f.repo.Movements(ctx, inventory.MovementFilter{}) {
		require.NoError(t, err)
		if mv.Kind.Inbound() {
			inbound = inbound.Add(mv.TotalCost)
		} else {
			outbound = outbound.Add(mv.TotalCost)
		}
	}
	require.True(t, live.GrandTotal.Equal(inbound.Sub(outbound)), "valuation %s, journal %s", live.GrandTotal, inbound.Sub(outbound))

	replayed, err := svc.ValuationSnapshot(ctx, f.clock.Now())
	require.NoError(t, err)
	require.True(t, live.GrandTotal.Equal(replayed.GrandTotal))
	require.Len(t, replayed.Lines, 2)
	requireDecimal(t, "10", replayed.Lines[0].Quantity)
	requireDecimal(t, "120", replayed.Lines[0].TotalValue)
	requireDecimal(t, "25", replayed.Lines[1].Quantity)
	requireDecimal(t, "305", replayed.Lines[1].TotalValue)
	requireDecimal(t, "12.2", replayed.Lines[1].UnitCostRef)
}

func TestValuationAsOfPastInstant(t *testing.T) {
	f := newJournalFixture(t)
	ctx := context.Background()
	f.lot(t, f.central, "100", "10")
	f.lot(t, f.central, "50", "12")
	cut := f.clock.Now()
	f.exit(t, "120", inventory.ReasonSale)

	svc := NewService(f.repo, nil, nil)
	snap, err := svc.ValuationSnapshot(ctx, cut)
	require.NoError(t, err)
	require.Len(t, snap.Lines, 1)
	requireDecimal(t, "150", snap.Lines[0].Quantity)
	requireDecimal(t, "1600", snap.GrandTotal)
	requireDecimal(t, "10.666667", snap.Lines[0].UnitCostRef)

	empty, err := svc.ValuationSnapshot(ctx, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Empty(t, empty.Lines)
	require.True(t, empty.GrandTotal.IsZero())
}

func TestValuationCachedUntilInvalidated(t *testing.T) {
	f := newJournalFixture(t)
	ctx := context.Background()
	cache, _ := newCache(t)
	svc := NewService(f.repo, cache, nil)
	f.lot(t, f.central, "10", "5")

	first, err := svc.ValuationSnapshot(ctx, time.Time{})
	require.NoError(t, err)
	requireDecimal(t, "50", first.GrandTotal)

	f.lot(t, f.central, "10", "7")
	stale, err := svc.ValuationSnapshot(ctx, time.Time{})
	require.NoError(t, err)
	requireDecimal(t, "50", stale.GrandTotal)

	require.NoError(t, svc.Invalidate(ctx))
	fresh, err := svc.ValuationSnapshot(ctx, time.Time{})
	require.NoError(t, err)
	requireDecimal(t, "120", fresh.GrandTotal)
}

func TestExitCostsSequentialFIFO(t *testing.T) {
	f := newJournalFixture(t)
	ctx := context.Background()
	f.lot(t, f.central, "10", "100")
	f.lot(t, f.central, "10", "150")
	from := f.clock.Now()
	first := f.exit(t, "5", inventory.ReasonConsumption)
	second := f.exit(t, "7", inventory.ReasonConsumption)
	requireDecimal(t, "500", first.TotalCost)
	requireDecimal(t, "800", second.TotalCost)

	svc := NewService(f.repo, nil, nil)
	report, err := svc.ExitCosts(ctx, from, time.Time{})
	require.NoError(t, err)
	require.Len(t, report.Exits, 2)
	requireDecimal(t, "500", report.Exits[0].TotalCost)
	requireDecimal(t, "800", report.Exits[1].TotalCost)
	requireDecimal(t, "1300", report.TotalCost)
	require.Len(t, report.Groups, 1)
	require.Equal(t, 2, report.Groups[0].Count)
	requireDecimal(t, "12", report.Groups[0].Qty)

	_, err = svc.ExitCosts(ctx, from, from.Add(-time.Second))
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestClassifyStock(t *testing.T) {
	cases := []struct {
		stock, min string
		level      AlertLevel
		ok         bool
	}{
		{"0", "10", AlertOutOfStock, true},
		{"-2", "10", AlertOutOfStock, true},
		{"5", "10", AlertCritical, true},
		{"5.01", "10", AlertLow, true},
		{"10", "10", AlertLow, true},
		{"10.5", "10", "", false},
		{"0", "0", "", false},
	}
	for _, tc := range cases {
		level, ok := ClassifyStock(dec(tc.stock), dec(tc.min))
		require.Equal(t, tc.ok, ok, "stock %s min %s", tc.stock, tc.min)
		require.Equal(t, tc.level, level, "stock %s min %s", tc.stock, tc.min)
	}
}

func TestStockAlertsOrdering(t *testing.T) {
	ctx := context.Background()
	repo := inventory.NewMemoryRepository()
	inv := inventory.NewService(repo, nil, nil, inventory.ServiceConfig{}, nil)
	w, err := inv.RegisterWarehouse(ctx, inventory.Warehouse{Name: "Central"})
	require.NoError(t, err)

	stock := map[string]string{"LOW": "9", "CRIT": "4", "CRIT2": "2", "OK": "50", "NOMIN": "0"}
	mins := map[string]string{"LOW": "10", "CRIT": "10", "CRIT2": "10", "OK": "10", "NOMIN": "0", "OUT": "3"}
	for sku, min := range mins {
		p, err := inv.RegisterProduct(ctx, inventory.Product{SKU: sku, Name: sku, MinStock: dec(min)})
		require.NoError(t, err)
		if qty, ok := stock[sku]; ok && dec(qty).IsPositive() {
			_, err := inv.AppendLot(ctx, inventory.AppendLotInput{ProductID: p.ID, WarehouseID: w.ID, Qty: dec(qty), UnitCost: dec("1")})
			require.NoError(t, err)
		}
	}

	svc := NewService(repo, nil, nil)
	alerts, err := svc.StockAlerts(ctx, 0)
	require.NoError(t, err)
	var got []string
	for _, a := range alerts {
		got = append(got, a.SKU+"/"+string(a.Level))
	}
	require.Equal(t, []string{"OUT/OUT_OF_STOCK", "CRIT2/CRITICAL", "CRIT/CRITICAL", "LOW/LOW"}, got)

	limited, err := svc.StockAlerts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestRotationRanksOutboundQuantity(t *testing.T) {
	ctx := context.Background()
	f := newJournalFixture(t)
	f.lot(t, f.central, "10", "100")
	f.lot(t, f.central, "10", "150")
	f.exit(t, "5", inventory.ReasonSale)
	f.exit(t, "7", inventory.ReasonWaste)

	fierro, err := f.inventory.RegisterProduct(ctx, inventory.Product{SKU: "FIE", Name: "Fierro", UOM: "VAR"})
	require.NoError(t, err)
	_, err = f.inventory.AppendLot(ctx, inventory.AppendLotInput{ProductID: fierro.ID, WarehouseID: f.north, Qty: dec("40"), UnitCost: dec("1")})
	require.NoError(t, err)
	_, err = f.inventory.RegisterOutbound(ctx, inventory.OutboundInput{ProductID: fierro.ID, WarehouseID: f.north, Qty: dec("3"), Reason: inventory.ReasonConsumption})
	require.NoError(t, err)

	arena, err := f.inventory.RegisterProduct(ctx, inventory.Product{SKU: "ARE", Name: "Arena"})
	require.NoError(t, err)
	_, err = f.inventory.AppendLot(ctx, inventory.AppendLotInput{ProductID: arena.ID, WarehouseID: f.central, Qty: dec("5"), UnitCost: dec("2")})
	require.NoError(t, err)
	// lowering the initial stock is an adjustment, not an exit
	_, err = f.inventory.SetInitialStock(ctx, inventory.InitialStockInput{ProductID: arena.ID, WarehouseID: f.central, Qty: dec("4")})
	require.NoError(t, err)

	svc := NewService(f.repo, nil, nil)
	svc.now = func() time.Time { return time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC) }

	skus := func(lines []RotationLine) []string {
		out := make([]string, 0, len(lines))
		for _, l := range lines {
			out = append(out, l.SKU)
		}
		return out
	}

	report, err := svc.Rotation(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"CEM", "FIE"}, skus(report.High))
	requireDecimal(t, "12", report.High[0].Exits)
	requireDecimal(t, "8", report.High[0].Stock)
	require.Equal(t, []string{"ARE", "FIE", "CEM"}, skus(report.Low))
	requireDecimal(t, "0", report.Low[0].Exits)
	requireDecimal(t, "4", report.Low[0].Stock)
	require.Equal(t, DefaultRotationWindow, report.To.Sub(report.From))

	recent, err := svc.Rotation(ctx, time.Hour, 0)
	require.NoError(t, err)
	require.Empty(t, recent.High)
	require.Equal(t, []string{"FIE", "CEM", "ARE"}, skus(recent.Low))

	limited, err := svc.Rotation(ctx, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"CEM"}, skus(limited.High))
	require.Equal(t, []string{"ARE"}, skus(limited.Low))
}
