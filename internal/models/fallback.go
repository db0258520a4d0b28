package models

import "time"

// FallbackEntry is a write captured by the secondary store while the primary
// is unreachable. Entries are replayed in creation order by Sync and deduped
// by ID.
type FallbackEntry struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
	Synced    bool      `json:"synced"`
	// Attempts counts reconciliation attempts; entries exceeding the
	// configured maximum are flagged for manual review instead of retried
	// forever.
	Attempts    int  `json:"attempts"`
	NeedsReview bool `json:"needsReview"`
}
