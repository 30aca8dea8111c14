package souliss

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Souliss bridge.

// Protocol is the protocol identifier carried in every message.
const Protocol = "souliss"

// CommandMessage is sent from Core to the bridge to command one slot.
// Topic: graylogic/command/souliss/{gateway}/{node}/{slot}
//
// Gateway, Node and Slot may be omitted from the payload when the topic
// carries them.
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	Gateway string `json:"gateway,omitempty"`
	Node    *int   `json:"node,omitempty"`
	Slot    *int   `json:"slot,omitempty"`

	// Command is the typical command name ("on", "off", "toggle", "open",
	// "close", "stop", "set", "rgb", "setpoint", "raw", ...).
	Command string `json:"command"`

	// Value is shorthand for the "value" (and dimmer "level") parameter.
	Value *float64 `json:"value,omitempty"`

	// RGB is shorthand for the red/green/blue parameters.
	RGB []int `json:"rgb,omitempty"`

	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// Params merges the shorthand fields into the command parameters.
func (m *CommandMessage) Params() map[string]any {
	params := make(map[string]any, len(m.Parameters)+3)
	for k, v := range m.Parameters {
		params[k] = v
	}
	if m.Value != nil {
		if _, ok := params["value"]; !ok {
			params["value"] = *m.Value
		}
		if _, ok := params["level"]; !ok {
			params["level"] = *m.Value
		}
	}
	if len(m.RGB) == 3 {
		params["red"] = float64(m.RGB[0])
		params["green"] = float64(m.RGB[1])
		params["blue"] = float64(m.RGB[2])
	}
	return params
}

// MarshalJSON marshals a CommandMessage with an RFC3339 timestamp.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage; the timestamp is optional.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckQueued indicates the command was translated and queued for the
	// gateway. Delivery is confirmed by the next state message.
	AckQueued AckStatus = "queued"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/souliss/{gateway}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Gateway   string    `json:"gateway"`
	Node      int       `json:"node"`
	Slot      int       `json:"slot"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeQueueFull         = "QUEUE_FULL"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is published when a slot's state changes.
// Topic: graylogic/state/souliss/{gateway}/{node}/{slot}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Gateway   string         `json:"gateway"`
	Node      int            `json:"node"`
	Slot      int            `json:"slot"`
	Typical   string         `json:"typical"`
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state,omitempty"`
	Raw       string         `json:"raw"`
	Protocol  string         `json:"protocol"`
}

// NodeHealthMessage is published for each node health reading.
// Topic: graylogic/state/souliss/{gateway}/{node}/health
// QoS: 1, Retained: Yes
type NodeHealthMessage struct {
	Gateway   string    `json:"gateway"`
	Node      int       `json:"node"`
	Health    int       `json:"health"`
	Timestamp time.Time `json:"timestamp"`
}

// TopicMessage is published for each action message reading.
// Topic: graylogic/state/souliss/{gateway}/topic/{number}/{variant}
// QoS: 1, Retained: Yes
type TopicMessage struct {
	Gateway   string    `json:"gateway"`
	Number    string    `json:"number"`
	Variant   string    `json:"variant"`
	Value     *float64  `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/souliss
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string          `json:"bridge"`
	Timestamp     time.Time       `json:"timestamp"`
	Status        HealthStatus    `json:"status"`
	Version       string          `json:"version,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Gateways      []GatewayStatus `json:"gateways,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// RequestMessage asks the bridge to perform a gateway query.
// Topic: graylogic/request/souliss/{gateway}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is a QueryKind or "discover".
	Action string `json:"action"`

	Gateway string `json:"gateway,omitempty"`

	// Parameters may carry "start" and "count" overrides.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a request.
// Topic: graylogic/response/souliss/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *AckError      `json:"error,omitempty"`
}

// DiscoveryMessage announces discovered gateways and typicals.
// Topic: graylogic/discovery/souliss
type DiscoveryMessage struct {
	Timestamp time.Time           `json:"timestamp"`
	Bridge    string              `json:"bridge"`
	Gateways  []DiscoveredGateway `json:"gateways,omitempty"`
	Typicals  []DiscoveredTypical `json:"typicals,omitempty"`
}

// DiscoveredGateway is a gateway that answered a discovery broadcast.
type DiscoveredGateway struct {
	Address string `json:"address"`
	Octet   int    `json:"octet"`
}

// DiscoveredTypical is a typical reported by a gateway's typical list.
type DiscoveredTypical struct {
	Gateway string `json:"gateway"`
	Node    int    `json:"node"`
	Slot    int    `json:"slot"`
	Typical string `json:"typical"`
	Name    string `json:"name,omitempty"`
}

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(cmd CommandMessage, gateway string, node, slot int, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Gateway:   gateway,
		Node:      node,
		Slot:      slot,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates a failed acknowledgment.
func NewAckError(cmd CommandMessage, gateway string, node, slot int, code, message string) AckMessage {
	ack := NewAckMessage(cmd, gateway, node, slot, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message from a slot snapshot.
func NewStateMessage(gateway string, info SlotInfo) StateMessage {
	ts := info.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return StateMessage{
		Gateway:   gateway,
		Node:      info.Node,
		Slot:      info.Slot,
		Typical:   info.Typical,
		Name:      info.Name,
		Timestamp: ts.UTC(),
		State:     info.State,
		Raw:       hex.EncodeToString(info.Raw),
		Protocol:  Protocol,
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, gateways []GatewayStatus, startTime time.Time) HealthMessage {
	return HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Gateways:      gateways,
	}
}

// NewLWTMessage creates the Last Will and Testament published by the
// broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the command topic of one slot.
// Example: graylogic/command/souliss/hall/5/2
func CommandTopic(gateway string, node, slot int) string {
	return fmt.Sprintf("%s/command/%s/%s/%d/%d", TopicPrefix, Protocol, gateway, node, slot)
}

// AckTopic returns the acknowledgment topic of a gateway.
func AckTopic(gateway string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, gateway)
}

// StateTopic returns the state topic of one slot.
// Example: graylogic/state/souliss/hall/5/2
func StateTopic(gateway string, node, slot int) string {
	return fmt.Sprintf("%s/state/%s/%s/%d/%d", TopicPrefix, Protocol, gateway, node, slot)
}

// NodeHealthTopic returns the health topic of one node.
func NodeHealthTopic(gateway string, node int) string {
	return fmt.Sprintf("%s/state/%s/%s/%d/health", TopicPrefix, Protocol, gateway, node)
}

// TopicStateTopic returns the topic carrying an action message reading.
// Example: graylogic/state/souliss/hall/topic/0001/02
func TopicStateTopic(gateway, number, variant string) string {
	return fmt.Sprintf("%s/state/%s/%s/topic/%s/%s", TopicPrefix, Protocol, gateway, number, variant)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// DiscoveryTopic returns the discovery topic.
func DiscoveryTopic() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, Protocol)
}

// RequestTopic returns the request topic of a gateway.
func RequestTopic(gateway string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, gateway)
}

// ResponseTopic returns the response topic of a request.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// RequestSubscribeTopic returns the subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, Protocol)
}

// TopicAddress holds the addressing parsed from a command or request topic.
// Node and Slot are -1 when the topic does not carry them.
type TopicAddress struct {
	Kind    string
	Gateway string
	Node    int
	Slot    int
}

// ParseTopic parses graylogic/{kind}/souliss/{gateway}[/{node}/{slot}].
func ParseTopic(topic string) (TopicAddress, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != TopicPrefix || parts[2] != Protocol {
		return TopicAddress{}, fmt.Errorf("souliss: invalid topic %q", topic)
	}

	addr := TopicAddress{Kind: parts[1], Node: -1, Slot: -1}
	if len(parts) > 3 {
		addr.Gateway = parts[3]
	}
	if len(parts) > 5 {
		node, err := strconv.Atoi(parts[4])
		if err != nil {
			return TopicAddress{}, fmt.Errorf("souliss: invalid node in topic %q", topic)
		}
		slot, err := strconv.Atoi(parts[5])
		if err != nil {
			return TopicAddress{}, fmt.Errorf("souliss: invalid slot in topic %q", topic)
		}
		addr.Node, addr.Slot = node, slot
	}
	return addr, nil
}
