package integration

import (
	"strconv"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
)

// Event types written to the ledger topic.
const (
	EventMovementPosted    = "ledger.movement.posted"
	EventReceiptsRecorded  = "procurement.receipts.recorded"
	EventInvoiceRegistered = "procurement.invoice.registered"
)

// MovementMessage is the payload of one journaled movement.
type MovementMessage struct {
	Operation   string             `json:"operation"`
	DocumentRef string             `json:"document_ref"`
	Movement    inventory.Movement `json:"movement"`
}

// stockKey partitions movement records so each stock key stays ordered.
func stockKey(m inventory.Movement) string {
	return strconv.FormatInt(m.ProductID, 10) + ":" + strconv.FormatInt(m.WarehouseID, 10)
}

func orderKey(orderID int64) string {
	return "order:" + strconv.FormatInt(orderID, 10)
}
