package device

import (
	"context"
	"time"
)

// HistorySourceGateway marks state reported by a gateway. It is the source
// of every row SaveSlotState writes.
const HistorySourceGateway = "gateway"

// StateHistoryEntry represents a single slot state change record.
//
// Each entry stores a full snapshot of the decoded state together with the
// typical it was decoded for, so history stays readable after a node is
// reprogrammed.
type StateHistoryEntry struct {
	ID int64 `json:"id"`
	SlotKey

	Typical byte   `json:"typical"`
	State   State  `json:"state"`
	Source  string `json:"source"`

	// CreatedAt is the timestamp of the state change (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores and retrieves slot state change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type StateHistoryRepository interface {
	// GetHistory returns recent history for a slot, newest first.
	// Limit defaults to 50 and is capped at 200.
	GetHistory(ctx context.Context, key SlotKey, limit int) ([]StateHistoryEntry, error)

	// PruneHistory deletes entries older than olderThan and returns the
	// number of rows removed.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
