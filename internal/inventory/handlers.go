package inventory

import "context"

// EventHandler receives inventory events after they are committed.
type EventHandler interface {
	HandleMovementsPosted(ctx context.Context, evt MovementsPostedEvent) error
}
