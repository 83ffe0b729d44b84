package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/procurement"
)

const seedActor = 1

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.UsePostgres() {
		log.Fatal("seed requires LEDGER_STORE=postgres")
	}
	logger := app.NewLogger(cfg)
	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer stores.Close()

	inv := inventory.NewService(stores.Inventory, stores.Audit, stores.Keys, inventory.ServiceConfig{
		BaseCurrency:   cfg.LedgerBaseCurrency,
		FallbackFXRate: cfg.LedgerFallbackFXRate,
		Logger:         logger,
	}, nil)
	proc := procurement.NewService(stores.Procurement, inv, stores.Audit, stores.Keys, procurement.ServiceConfig{
		BaseCurrency: cfg.LedgerBaseCurrency,
		Logger:       logger,
	}, nil)

	existing, err := inv.Products(ctx)
	if err != nil {
		log.Fatalf("list products: %v", err)
	}
	if len(existing) > 0 {
		fmt.Println("→ Catalog already seeded, skipping")
		return
	}

	fmt.Println("→ Seeding warehouses...")
	warehouses, err := seedWarehouses(ctx, inv)
	if err != nil {
		log.Fatalf("seed warehouses: %v", err)
	}
	fmt.Println("→ Seeding products...")
	products, err := seedProducts(ctx, inv)
	if err != nil {
		log.Fatalf("seed products: %v", err)
	}
	fmt.Println("→ Seeding opening stock...")
	if err := seedOpeningStock(ctx, inv, products, warehouses); err != nil {
		log.Fatalf("seed opening stock: %v", err)
	}
	fmt.Println("→ Seeding purchase order...")
	if err := seedPurchaseOrder(ctx, proc, products, warehouses[0]); err != nil {
		log.Fatalf("seed purchase order: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seedWarehouses(ctx context.Context, inv *inventory.Service) ([]inventory.Warehouse, error) {
	rows := []inventory.Warehouse{
		{Name: "Almacén Central", Location: "Lima"},
		{Name: "Almacén Norte", Location: "Trujillo"},
	}
	out := make([]inventory.Warehouse, 0, len(rows))
	for _, row := range rows {
		w, err := inv.RegisterWarehouse(ctx, row)
		if err != nil {
			return nil, fmt.Errorf("warehouse %s: %w", row.Name, err)
		}
		out = append(out, w)
	}
	return out, nil
}

func seedProducts(ctx context.Context, inv *inventory.Service) ([]inventory.Product, error) {
	rows := []inventory.Product{
		{SKU: "CEM-042", Name: "Cemento Portland 42.5kg", UOM: "BOL", MinStock: decimal.NewFromInt(50)},
		{SKU: "FIE-038", Name: "Fierro corrugado 3/8", UOM: "VAR", MinStock: decimal.NewFromInt(200)},
		{SKU: "LAD-KK18", Name: "Ladrillo King Kong 18 huecos", UOM: "UND", MinStock: decimal.NewFromInt(1000)},
	}
	out := make([]inventory.Product, 0, len(rows))
	for _, row := range rows {
		p, err := inv.RegisterProduct(ctx, row)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", row.SKU, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func seedOpeningStock(ctx context.Context, inv *inventory.Service, products []inventory.Product, warehouses []inventory.Warehouse) error {
	costs := []string{"28.50", "32.90", "0.85"}
	qtys := []int64{120, 400, 800}
	rows := make([]inventory.InitialStockInput, 0, len(products)*len(warehouses))
	for i, p := range products {
		for j, w := range warehouses {
			rows = append(rows, inventory.InitialStockInput{
				ProductID:   p.ID,
				WarehouseID: w.ID,
				Qty:         decimal.NewFromInt(qtys[i] / int64(j+1)),
				UnitCost:    decimal.RequireFromString(costs[i]),
				ActorID:     seedActor,
			})
		}
	}
	_, err := inv.BulkSetInitialStock(ctx, rows)
	return err
}

func seedPurchaseOrder(ctx context.Context, proc *procurement.Service, products []inventory.Product, warehouse inventory.Warehouse) error {
	order, err := proc.CreatePurchaseOrder(ctx, procurement.CreateOrderInput{
		Number:     "OC-0001",
		SupplierID: 1001,
		Currency:   "PEN",
		OrderedAt:  time.Now().UTC(),
		ActorID:    seedActor,
		Lines: []procurement.OrderLineInput{
			{ProductID: products[0].ID, Qty: decimal.NewFromInt(100), UnitPrice: decimal.RequireFromString("27.80")},
			{ProductID: products[1].ID, Qty: decimal.NewFromInt(300), UnitPrice: decimal.RequireFromString("31.50")},
		},
	})
	if err != nil {
		return err
	}
	_, err = proc.RecordReceipt(ctx, procurement.ReceiptInput{
		OrderLineID: order.Lines[0].ID,
		WarehouseID: warehouse.ID,
		Qty:         decimal.NewFromInt(40),
		ReceivedAt:  time.Now().UTC(),
		ActorID:     seedActor,
	})
	return err
}
