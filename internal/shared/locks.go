package shared

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// StockLockKey derives the PostgreSQL advisory lock id guarding writes to a
// (product, warehouse) stock key.
func StockLockKey(productID, warehouseID int64) int64 {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("stock:%d:%d", productID, warehouseID)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// OrderLockKey derives the advisory lock id guarding receipts of an order line.
func OrderLockKey(orderLineID int64) int64 {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("order-line:%d", orderLineID)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
