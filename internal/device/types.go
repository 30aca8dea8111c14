package device

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// State is a decoded slot state as published on MQTT.
type State map[string]any

// HexBytes marshals raw typical bytes as a hex string.
type HexBytes []byte

// MarshalJSON implements json.Marshaler.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// SlotKey addresses one slot behind one gateway.
type SlotKey struct {
	GatewayID string `json:"gateway_id"`
	Node      int    `json:"node"`
	Slot      int    `json:"slot"`
}

// Slot is the persisted view of a typical's first slot.
type Slot struct {
	SlotKey

	// Typical is the Souliss typical code (0x11, 0x51, ...).
	Typical byte `json:"typical"`

	// Raw holds the last state bytes the gateway reported.
	Raw HexBytes `json:"raw,omitempty"`

	// State is the decoded form of Raw.
	State State `json:"state,omitempty"`

	TypicalUpdatedAt time.Time  `json:"typical_updated_at"`
	StateUpdatedAt   *time.Time `json:"state_updated_at,omitempty"`
}

// NodeHealth is the last health byte reported for a node.
type NodeHealth struct {
	GatewayID string    `json:"gateway_id"`
	Node      int       `json:"node"`
	Health    byte      `json:"health"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TopicValue is the last value seen for an action message topic.
// Value is nil when the message carried no numeric payload.
type TopicValue struct {
	GatewayID string    `json:"gateway_id"`
	Number    string    `json:"number"`
	Variant   string    `json:"variant"`
	Value     *float64  `json:"value,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
