package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/procurement"
)

// Publisher forwards events to the message bus.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
}

// CacheInvalidator drops cached ledger reports.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Hooks wires committed inventory and procurement events into the report
// cache and the event stream. Either collaborator may be nil.
type Hooks struct {
	publisher Publisher
	cache     CacheInvalidator
}

// NewHooks constructs integration hooks.
func NewHooks(publisher Publisher, cache CacheInvalidator) *Hooks {
	return &Hooks{publisher: publisher, cache: cache}
}

// HandleMovementsPosted invalidates valuations and publishes one record per
// movement.
func (h *Hooks) HandleMovementsPosted(ctx context.Context, evt inventory.MovementsPostedEvent) error {
	if h == nil || len(evt.Movements) == 0 {
		return nil
	}
	var errs []error
	if h.cache != nil {
		if err := h.cache.Invalidate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("integration: invalidate ledger cache: %w", err))
		}
	}
	if h.publisher != nil {
		for _, mv := range evt.Movements {
			msg := MovementMessage{Operation: evt.Operation, DocumentRef: evt.DocumentRef, Movement: mv}
			if err := h.publisher.Publish(ctx, EventMovementPosted, stockKey(mv), msg); err != nil {
				errs = append(errs, fmt.Errorf("integration: publish movement %d: %w", mv.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// HandleReceiptsRecorded publishes the receipts of an order.
func (h *Hooks) HandleReceiptsRecorded(ctx context.Context, evt procurement.ReceiptsRecordedEvent) error {
	if h == nil || h.publisher == nil || len(evt.Receipts) == 0 {
		return nil
	}
	return h.publisher.Publish(ctx, EventReceiptsRecorded, orderKey(evt.OrderID), evt)
}

// HandleInvoiceRegistered publishes an invoice. The lots it created already
// went through HandleMovementsPosted.
func (h *Hooks) HandleInvoiceRegistered(ctx context.Context, evt procurement.InvoiceRegisteredEvent) error {
	if h == nil || h.publisher == nil {
		return nil
	}
	if evt.DocumentRef == "" {
		return errors.New("integration: invoice document ref required")
	}
	return h.publisher.Publish(ctx, EventInvoiceRegistered, orderKey(evt.OrderID), evt)
}

var _ procurement.EventHandler = (*Hooks)(nil)
var _ inventory.EventHandler = (*Hooks)(nil)
