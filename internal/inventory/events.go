package inventory

import "time"

// MovementsPostedEvent announces movements committed by one operation.
type MovementsPostedEvent struct {
	Operation   string     `json:"operation"`
	DocumentRef string     `json:"document_ref"`
	ActorID     int64      `json:"actor_id,omitempty"`
	Movements   []Movement `json:"movements"`
	PostedAt    time.Time  `json:"posted_at"`
}
