package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-souliss/internal/bridges/souliss"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/database"
)

// timestampLayout matches the strftime defaults in the schema.
const timestampLayout = "2006-01-02T15:04:05Z"

// Repository defines the persistence operations for learned Souliss
// topology and state. The write half is the bridge's SlotStore; the read
// half serves the status API.
type Repository interface {
	souliss.SlotStore

	// ListSlots returns every stored typical of a gateway ordered by node
	// and slot.
	ListSlots(ctx context.Context, gatewayID string) ([]Slot, error)

	// GetSlot returns one slot. Returns ErrSlotNotFound if nothing is stored.
	GetSlot(ctx context.Context, key SlotKey) (*Slot, error)

	// ListNodeHealth returns the last health of every node of a gateway.
	ListNodeHealth(ctx context.Context, gatewayID string) ([]NodeHealth, error)

	// ListTopics returns the last value of every action message topic.
	ListTopics(ctx context.Context, gatewayID string) ([]TopicValue, error)

	// ForgetGateway deletes everything stored for a gateway.
	ForgetGateway(ctx context.Context, gatewayID string) error
}

var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

func (r *SQLiteRepository) timestamp() string {
	return r.now().UTC().Format(timestampLayout)
}

// SaveTypical records the typical of a slot. When the typical changes the
// stored state is cleared, since it was decoded for the old typical.
func (r *SQLiteRepository) SaveTypical(ctx context.Context, gatewayID string, node, slot int, typical byte) error {
	key := SlotKey{GatewayID: gatewayID, Node: node, Slot: slot}
	if err := key.validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO souliss_slots (gateway_id, node, slot, typical, typical_updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (gateway_id, node, slot) DO UPDATE SET
			raw = CASE WHEN souliss_slots.typical = excluded.typical THEN souliss_slots.raw ELSE NULL END,
			state = CASE WHEN souliss_slots.typical = excluded.typical THEN souliss_slots.state ELSE NULL END,
			state_updated_at = CASE WHEN souliss_slots.typical = excluded.typical THEN souliss_slots.state_updated_at ELSE NULL END,
			typical = excluded.typical,
			typical_updated_at = excluded.typical_updated_at`

	if _, err := r.db.ExecContext(ctx, query, gatewayID, node, slot, int(typical), r.timestamp()); err != nil {
		return fmt.Errorf("saving typical: %w", err)
	}
	return nil
}

// SaveSlotState records the latest raw bytes and decoded state of a slot
// and appends a state history entry in the same transaction.
func (r *SQLiteRepository) SaveSlotState(ctx context.Context, gatewayID string, node, slot int, raw []byte, state map[string]any) error {
	key := SlotKey{GatewayID: gatewayID, Node: node, Slot: slot}
	if err := key.validate(); err != nil {
		return err
	}
	if state == nil {
		state = map[string]any{}
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	ts := r.timestamp()

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO souliss_slots (gateway_id, node, slot, raw, state, state_updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (gateway_id, node, slot) DO UPDATE SET
				raw = excluded.raw,
				state = excluded.state,
				state_updated_at = excluded.state_updated_at`,
			gatewayID, node, slot, raw, string(stateJSON), ts,
		)
		if err != nil {
			return fmt.Errorf("saving slot state: %w", err)
		}
		return insertHistory(ctx, tx, key, string(stateJSON), ts)
	})
}

// SaveNodeHealth records the health byte of a node.
func (r *SQLiteRepository) SaveNodeHealth(ctx context.Context, gatewayID string, node int, health byte) error {
	if err := (SlotKey{GatewayID: gatewayID, Node: node}).validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO souliss_node_health (gateway_id, node, health, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (gateway_id, node) DO UPDATE SET
			health = excluded.health,
			updated_at = excluded.updated_at`,
		gatewayID, node, int(health), r.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("saving node health: %w", err)
	}
	return nil
}

// SaveTopic records the last value of an action message topic.
func (r *SQLiteRepository) SaveTopic(ctx context.Context, gatewayID, number, variant string, value *float64) error {
	if gatewayID == "" {
		return ErrGatewayRequired
	}

	var v sql.NullFloat64
	if value != nil {
		v = sql.NullFloat64{Float64: *value, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO souliss_topics (gateway_id, number, variant, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (gateway_id, number, variant) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		gatewayID, number, variant, v, r.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("saving topic: %w", err)
	}
	return nil
}

// LoadSlots returns the typicals and last raw state stored for a gateway,
// used to seed the slot registry before the gateway answers.
func (r *SQLiteRepository) LoadSlots(ctx context.Context, gatewayID string) ([]souliss.StoredSlot, error) {
	slots, err := r.ListSlots(ctx, gatewayID)
	if err != nil {
		return nil, err
	}

	out := make([]souliss.StoredSlot, 0, len(slots))
	for _, s := range slots {
		if s.Typical == 0 {
			continue
		}
		out = append(out, souliss.StoredSlot{
			Node:    s.Node,
			Slot:    s.Slot,
			Typical: s.Typical,
			Raw:     []byte(s.Raw),
		})
	}
	return out, nil
}

const selectSlots = `
	SELECT gateway_id, node, slot, typical, raw, state, typical_updated_at, state_updated_at
	FROM souliss_slots`

// ListSlots returns every stored slot of a gateway ordered by node and slot.
func (r *SQLiteRepository) ListSlots(ctx context.Context, gatewayID string) ([]Slot, error) {
	if gatewayID == "" {
		return nil, ErrGatewayRequired
	}

	rows, err := r.db.QueryContext(ctx, selectSlots+`
		WHERE gateway_id = ?
		ORDER BY node, slot`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("querying slots: %w", err)
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating slots: %w", err)
	}
	return slots, nil
}

// GetSlot returns one slot. Returns ErrSlotNotFound if nothing is stored.
func (r *SQLiteRepository) GetSlot(ctx context.Context, key SlotKey) (*Slot, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx, selectSlots+`
		WHERE gateway_id = ? AND node = ? AND slot = ?`,
		key.GatewayID, key.Node, key.Slot)

	s, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListNodeHealth returns the last health of every node of a gateway.
func (r *SQLiteRepository) ListNodeHealth(ctx context.Context, gatewayID string) ([]NodeHealth, error) {
	if gatewayID == "" {
		return nil, ErrGatewayRequired
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT gateway_id, node, health, updated_at
		FROM souliss_node_health
		WHERE gateway_id = ?
		ORDER BY node`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("querying node health: %w", err)
	}
	defer rows.Close()

	var out []NodeHealth
	for rows.Next() {
		var (
			h         NodeHealth
			health    int
			updatedAt string
		)
		if err := rows.Scan(&h.GatewayID, &h.Node, &health, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning node health: %w", err)
		}
		h.Health = byte(health)
		if h.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node health: %w", err)
	}
	return out, nil
}

// ListTopics returns the last value of every action message topic.
func (r *SQLiteRepository) ListTopics(ctx context.Context, gatewayID string) ([]TopicValue, error) {
	if gatewayID == "" {
		return nil, ErrGatewayRequired
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT gateway_id, number, variant, value, updated_at
		FROM souliss_topics
		WHERE gateway_id = ?
		ORDER BY number, variant`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("querying topics: %w", err)
	}
	defer rows.Close()

	var out []TopicValue
	for rows.Next() {
		var (
			tv        TopicValue
			value     sql.NullFloat64
			updatedAt string
		)
		if err := rows.Scan(&tv.GatewayID, &tv.Number, &tv.Variant, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning topic: %w", err)
		}
		if value.Valid {
			v := value.Float64
			tv.Value = &v
		}
		if tv.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, tv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating topics: %w", err)
	}
	return out, nil
}

// ForgetGateway deletes everything stored for a gateway, history included.
func (r *SQLiteRepository) ForgetGateway(ctx context.Context, gatewayID string) error {
	if gatewayID == "" {
		return ErrGatewayRequired
	}

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"souliss_slots", "souliss_node_health", "souliss_topics", "souliss_state_history"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE gateway_id = ?", gatewayID); err != nil {
				return fmt.Errorf("deleting from %s: %w", table, err)
			}
		}
		return nil
	})
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(row scanner) (*Slot, error) {
	var (
		s         Slot
		typical   int
		raw       []byte
		stateJSON sql.NullString
		typicalAt string
		stateAt   sql.NullString
	)

	if err := row.Scan(&s.GatewayID, &s.Node, &s.Slot, &typical, &raw, &stateJSON, &typicalAt, &stateAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning slot: %w", err)
	}

	s.Typical = byte(typical)
	if len(raw) > 0 {
		s.Raw = raw
	}
	if stateJSON.Valid && stateJSON.String != "" {
		if err := json.Unmarshal([]byte(stateJSON.String), &s.State); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}
	}

	var err error
	if s.TypicalUpdatedAt, err = parseTimestamp(typicalAt); err != nil {
		return nil, err
	}
	if stateAt.Valid {
		t, err := parseTimestamp(stateAt.String)
		if err != nil {
			return nil, err
		}
		s.StateUpdatedAt = &t
	}
	return &s, nil
}

func (k SlotKey) validate() error {
	if k.GatewayID == "" {
		return ErrGatewayRequired
	}
	if k.Node < 0 || k.Node > 0xff || k.Slot < 0 || k.Slot > 0xff {
		return fmt.Errorf("%w: node %d slot %d", ErrInvalidSlot, k.Node, k.Slot)
	}
	return nil
}

// parseTimestamp parses a timestamp stored in SQLite.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}
