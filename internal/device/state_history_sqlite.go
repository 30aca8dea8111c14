package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/database"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var _ StateHistoryRepository = (*SQLiteStateHistoryRepository)(nil)

// SQLiteStateHistoryRepository implements StateHistoryRepository using SQLite.
//
// It stores state snapshots as JSON in the souliss_state_history table.
type SQLiteStateHistoryRepository struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLiteStateHistoryRepository creates a new SQLite state history repository.
func NewSQLiteStateHistoryRepository(db *database.DB) *SQLiteStateHistoryRepository {
	return &SQLiteStateHistoryRepository{db: db, now: time.Now}
}

// insertHistory copies the slot's current typical into a new history row
// inside the transaction that saved the state. Nothing is inserted when the
// slot has no stored typical.
func insertHistory(ctx context.Context, tx *sql.Tx, key SlotKey, stateJSON, ts string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO souliss_state_history (gateway_id, node, slot, typical, state, source, created_at)
		SELECT gateway_id, node, slot, typical, ?, ?, ?
		FROM souliss_slots
		WHERE gateway_id = ? AND node = ? AND slot = ?`,
		stateJSON, HistorySourceGateway, ts,
		key.GatewayID, key.Node, key.Slot,
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns recent state history entries for a slot, ordered newest first.
func (r *SQLiteStateHistoryRepository) GetHistory(ctx context.Context, key SlotKey, limit int) ([]StateHistoryEntry, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, gateway_id, node, slot, typical, state, source, created_at
		 FROM souliss_state_history
		 WHERE gateway_id = ? AND node = ? AND slot = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		key.GatewayID, key.Node, key.Slot,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]StateHistoryEntry, 0, limit)
	for rows.Next() {
		var (
			entry     StateHistoryEntry
			typical   int
			stateJSON string
			createdAt string
		)

		if err := rows.Scan(&entry.ID, &entry.GatewayID, &entry.Node, &entry.Slot,
			&typical, &stateJSON, &entry.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		entry.Typical = byte(typical)

		if err := json.Unmarshal([]byte(stateJSON), &entry.State); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}

		if entry.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}

	return entries, nil
}

// PruneHistory deletes history entries older than the given duration.
func (r *SQLiteStateHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timestampLayout)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM souliss_state_history WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}
