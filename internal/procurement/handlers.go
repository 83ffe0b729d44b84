package procurement

import "context"

// EventHandler receives procurement events after they are committed.
type EventHandler interface {
	HandleReceiptsRecorded(ctx context.Context, evt ReceiptsRecordedEvent) error
	HandleInvoiceRegistered(ctx context.Context, evt InvoiceRegisteredEvent) error
}
