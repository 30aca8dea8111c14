package souliss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Websocket channels the bridge broadcasts on.
const (
	ChannelState     = "souliss.state"
	ChannelTopic     = "souliss.topic"
	ChannelHealth    = "souliss.health"
	ChannelDiscovery = "souliss.discovery"
)

// numericStateKeys are the decoded attributes written as time series.
var numericStateKeys = []string{"value", "temperature", "setpoint", "level"}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// SlotStore persists what the bridge learns. It is optional.
type SlotStore interface {
	SaveTypical(ctx context.Context, gatewayID string, node, slot int, typical byte) error
	SaveSlotState(ctx context.Context, gatewayID string, node, slot int, raw []byte, state map[string]any) error
	SaveNodeHealth(ctx context.Context, gatewayID string, node int, health byte) error
	SaveTopic(ctx context.Context, gatewayID, number, variant string, value *float64) error
	LoadSlots(ctx context.Context, gatewayID string) ([]StoredSlot, error)
}

// StoredSlot is a persisted slot restored at start.
type StoredSlot struct {
	Node    int
	Slot    int
	Typical byte
	Raw     []byte
}

// MetricsWriter receives time series points. It is optional.
type MetricsWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]interface{})
}

// EventBroadcaster pushes live events to connected UI clients. It is
// optional.
type EventBroadcaster interface {
	Broadcast(channel string, payload any)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID identifies the bridge in health messages. Default: "souliss".
	BridgeID string
	Version  string

	Gateways []GatewayConfig
	Typicals *TypicalTable

	MQTTClient MQTTClient
	Store      SlotStore
	Metrics    MetricsWriter
	Events     EventBroadcaster
	Recorder   FrameRecorder
	Discovery  *Discovery

	HealthInterval time.Duration
	Logger         Logger
}

// Bridge translates between Souliss gateways and MQTT.
// It handles:
//   - Commands from Core, translated to force frames on the right gateway
//   - Gateway state, health and topics, published as retained state
//   - Requests (queries and discovery) and health reporting
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	id        string
	mqtt      MQTTClient
	store     SlotStore
	metrics   MetricsWriter
	events    EventBroadcaster
	discovery *Discovery
	health    *HealthReporter

	gateways map[string]*Gateway
	order    []string

	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	log logRef
}

// NewBridge creates a bridge and its gateway connections.
// Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if len(opts.Gateways) == 0 {
		return nil, fmt.Errorf("at least one gateway is required")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = Protocol
	}
	if opts.Typicals == nil {
		opts.Typicals = DefaultTypicals()
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	b := &Bridge{
		id:        opts.BridgeID,
		mqtt:      opts.MQTTClient,
		store:     opts.Store,
		metrics:   opts.Metrics,
		events:    opts.Events,
		discovery: opts.Discovery,
		gateways:  make(map[string]*Gateway, len(opts.Gateways)),
		ctx:       ctx,
		ctxCancel: ctxCancel,
	}
	b.log.set(opts.Logger)

	for _, gc := range opts.Gateways {
		if _, dup := b.gateways[gc.ID]; dup {
			ctxCancel()
			return nil, fmt.Errorf("duplicate gateway id %q", gc.ID)
		}
		g, err := NewGateway(gc, NewSlotRegistry(opts.Typicals), b, opts.Recorder)
		if err != nil {
			ctxCancel()
			return nil, err
		}
		if opts.Logger != nil {
			g.SetLogger(opts.Logger)
		}
		b.gateways[gc.ID] = g
		b.order = append(b.order, gc.ID)
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Gateways:  b,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
		if b.discovery != nil {
			b.discovery.SetLogger(opts.Logger)
		}
	}

	return b, nil
}

// SetLogger sets the logger for the bridge and its gateways.
func (b *Bridge) SetLogger(logger Logger) {
	b.log.set(logger)
	b.health.SetLogger(logger)
	for _, g := range b.gateways {
		g.SetLogger(logger)
	}
}

// Start restores persisted slots, subscribes to command and request
// topics, starts every gateway and begins health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	b.restoreSlots(ctx)

	if err := b.health.PublishStarting(); err != nil {
		b.log.error("failed to publish starting status", "error", err)
	}

	for _, topic := range []string{CommandSubscribeTopic(), RequestSubscribeTopic()} {
		if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.log.info("subscribed", "topic", topic)
	}

	for _, id := range b.order {
		if err := b.gateways[id].Start(ctx); err != nil {
			return fmt.Errorf("start gateway %s: %w", id, err)
		}
	}

	b.health.Start(ctx)

	b.log.info("bridge started", "bridge_id", b.id, "gateways", len(b.order))
	return nil
}

// Stop gracefully shuts down the bridge. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		for _, id := range b.order {
			b.gateways[id].Stop()
		}
		b.health.Stop()
		b.log.info("bridge stopped")
	})
}

// LWTPayload returns the Last Will and Testament payload for the broker
// connection.
func (b *Bridge) LWTPayload() ([]byte, error) {
	return b.health.LWTPayload()
}

func (b *Bridge) restoreSlots(ctx context.Context) {
	if b.store == nil {
		return
	}
	for _, id := range b.order {
		slots, err := b.store.LoadSlots(ctx, id)
		if err != nil {
			b.log.error("failed to load slots", "gateway", id, "error", err)
			continue
		}
		reg := b.gateways[id].Registry()
		restored := 0
		for _, s := range slots {
			if err := reg.Restore(s.Node, s.Slot, s.Typical, s.Raw); err != nil {
				b.log.debug("skipping stored slot", "gateway", id, "error", err)
				continue
			}
			restored++
		}
		if restored > 0 {
			b.log.info("restored slots", "gateway", id, "count", restored)
		}
	}
}

// Gateway returns the gateway with the given id.
func (b *Bridge) Gateway(id string) (*Gateway, bool) {
	g, ok := b.gateways[id]
	return g, ok
}

// Gateways returns all gateways in configuration order.
func (b *Bridge) Gateways() []*Gateway {
	out := make([]*Gateway, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.gateways[id])
	}
	return out
}

// GatewayStatuses implements GatewaySource.
func (b *Bridge) GatewayStatuses() []GatewayStatus {
	out := make([]GatewayStatus, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.gateways[id].Status())
	}
	return out
}

// GatewayStatus returns the status snapshot of one gateway.
func (b *Bridge) GatewayStatus(id string) (GatewayStatus, error) {
	g, ok := b.gateways[id]
	if !ok {
		return GatewayStatus{}, fmt.Errorf("%w: %q", ErrGatewayNotFound, id)
	}
	return g.Status(), nil
}

// GatewaySlots returns the live slots known on one gateway.
func (b *Bridge) GatewaySlots(id string) ([]SlotInfo, error) {
	g, ok := b.gateways[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGatewayNotFound, id)
	}
	return g.Registry().Slots(), nil
}

// GatewayTopics returns the action message topics seen on one gateway.
func (b *Bridge) GatewayTopics(id string) ([]TopicInfo, error) {
	g, ok := b.gateways[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGatewayNotFound, id)
	}
	return g.Registry().Topics(), nil
}

// GatewayQueue returns the frames waiting in one gateway's send queue.
func (b *Bridge) GatewayQueue(id string) ([]PacketInfo, error) {
	g, ok := b.gateways[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGatewayNotFound, id)
	}
	return g.Dispatcher().Snapshot(), nil
}

// resolveGateway picks the named gateway, or the only one when unnamed.
func (b *Bridge) resolveGateway(id string) (*Gateway, error) {
	if id == "" && len(b.order) == 1 {
		return b.gateways[b.order[0]], nil
	}
	g, ok := b.gateways[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGatewayNotFound, id)
	}
	return g, nil
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	addr, err := ParseTopic(topic)
	if err != nil {
		b.log.error("invalid topic format", "topic", topic, "error", err)
		return
	}

	switch addr.Kind {
	case "command":
		b.handleCommand(addr, payload)
	case "request":
		b.handleRequest(addr, payload)
	default:
		b.log.error("unknown message type", "type", addr.Kind)
	}
}

func (b *Bridge) handleCommand(addr TopicAddress, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.log.error("failed to parse command", "error", err)
		return
	}
	if cmd.Gateway == "" {
		cmd.Gateway = addr.Gateway
	}
	if cmd.Node == nil && addr.Node >= 0 {
		n := addr.Node
		cmd.Node = &n
	}
	if cmd.Slot == nil && addr.Slot >= 0 {
		s := addr.Slot
		cmd.Slot = &s
	}

	b.publishAck(b.ExecuteCommand(cmd))
}

// ExecuteCommand translates a command and queues it on its gateway.
// A missing command ID is generated.
func (b *Bridge) ExecuteCommand(cmd CommandMessage) AckMessage {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	node, slot := -1, -1
	if cmd.Node != nil {
		node = *cmd.Node
	}
	if cmd.Slot != nil {
		slot = *cmd.Slot
	}

	b.log.info("received command",
		"command_id", cmd.ID,
		"gateway", cmd.Gateway,
		"node", node,
		"slot", slot,
		"command", cmd.Command)

	g, err := b.resolveGateway(cmd.Gateway)
	if err != nil {
		return NewAckError(cmd, cmd.Gateway, node, slot, ErrCodeNotConfigured, err.Error())
	}
	if node < 0 || slot < 0 {
		return NewAckError(cmd, g.ID(), node, slot, ErrCodeInvalidParameters, "node and slot are required")
	}

	params := cmd.Params()
	err = g.Command(node, slot, cmd.Command, params)
	if errors.Is(err, ErrSlotNotFound) && cmd.Command == "raw" {
		var fc ForceCommand
		if fc, err = rawCommand(cmd.Command, params); err == nil {
			err = g.EnqueueForce(node, slot, fc.Command)
		}
	}
	if err != nil {
		return NewAckError(cmd, g.ID(), node, slot, errorCode(err), err.Error())
	}
	return NewAckMessage(cmd, g.ID(), node, slot, AckQueued)
}

// errorCode maps bridge errors to ack error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrSlotNotFound), errors.Is(err, ErrGatewayNotFound):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrQueueFull):
		return ErrCodeQueueFull
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrUnknownQuery):
		return ErrCodeInvalidCommand
	}
	return ErrCodeBridgeError
}

func (b *Bridge) publishAck(ack AckMessage) {
	if ack.Error != nil {
		b.log.warn("command failed",
			"command_id", ack.CommandID,
			"code", ack.Error.Code,
			"message", ack.Error.Message)
	}

	payload, err := json.Marshal(ack)
	if err != nil {
		b.log.error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(ack.Gateway), payload, 1, false); err != nil {
		b.log.error("failed to publish ack", "error", err)
	}
}

func (b *Bridge) handleRequest(addr TopicAddress, payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.log.error("failed to parse request", "error", err)
		return
	}
	if req.Gateway == "" {
		req.Gateway = addr.Gateway
	}

	resp := b.ExecuteRequest(b.ctx, req)

	respPayload, err := json.Marshal(resp)
	if err != nil {
		b.log.error("failed to marshal response", "error", err)
		return
	}
	if err := b.mqtt.Publish(ResponseTopic(resp.RequestID), respPayload, 1, false); err != nil {
		b.log.error("failed to publish response", "error", err)
	}
}

// ExecuteRequest runs a gateway query or a discovery broadcast.
// A missing request ID is generated.
func (b *Bridge) ExecuteRequest(ctx context.Context, req RequestMessage) ResponseMessage {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	resp := ResponseMessage{RequestID: req.RequestID, Timestamp: time.Now().UTC()}

	b.log.info("received request",
		"request_id", req.RequestID,
		"gateway", req.Gateway,
		"action", req.Action)

	if req.Action == "discover" {
		found, err := b.Discover(ctx)
		if err != nil {
			resp.Error = &AckError{Code: ErrCodeBridgeError, Message: err.Error()}
			return resp
		}
		resp.Success = true
		resp.Data = map[string]any{"gateways": found}
		return resp
	}

	kind, err := ParseQueryKind(req.Action)
	if err != nil {
		resp.Error = &AckError{Code: ErrCodeInvalidCommand, Message: err.Error()}
		return resp
	}
	g, err := b.resolveGateway(req.Gateway)
	if err != nil {
		resp.Error = &AckError{Code: ErrCodeNotConfigured, Message: err.Error()}
		return resp
	}

	args, err := queryArgs(req.Parameters)
	if err != nil {
		resp.Error = &AckError{Code: ErrCodeInvalidParameters, Message: err.Error()}
		return resp
	}
	if err := g.EnqueueQuery(kind, args...); err != nil {
		resp.Error = &AckError{Code: errorCode(err), Message: err.Error()}
		return resp
	}

	resp.Success = true
	resp.Data = map[string]any{"gateway": g.ID(), "queued": string(kind)}
	return resp
}

// queryArgs reads optional "start" and "count" request parameters.
func queryArgs(params map[string]any) ([]int, error) {
	start, hasStart := params["start"]
	count, hasCount := params["count"]
	if !hasStart && !hasCount {
		return nil, nil
	}

	args := []int{0}
	if hasStart {
		v, err := paramByte(map[string]any{"start": start}, "start")
		if err != nil {
			return nil, err
		}
		args[0] = int(v)
	}
	if hasCount {
		v, err := paramByte(map[string]any{"count": count}, "count")
		if err != nil {
			return nil, err
		}
		args = append(args, int(v))
	}
	return args, nil
}

// Discover broadcasts a discovery request and publishes the gateways that
// answered. A configured gateway whose address answered records it in its
// registry.
func (b *Bridge) Discover(ctx context.Context) ([]DiscoveredGateway, error) {
	if b.discovery == nil {
		return nil, fmt.Errorf("discovery is not configured")
	}

	events, err := b.discovery.Run(ctx, DiscoveryFunc(b.noteDiscovered))
	if err != nil {
		return nil, err
	}

	found := make([]DiscoveredGateway, 0, len(events))
	for _, ev := range events {
		found = append(found, DiscoveredGateway{Address: ev.IP.String(), Octet: int(ev.NodeOctet)})
	}
	b.publishDiscovery(DiscoveryMessage{Timestamp: time.Now().UTC(), Bridge: b.id, Gateways: found})
	return found, nil
}

func (b *Bridge) noteDiscovered(ip net.IP, octet byte) {
	for _, g := range b.gateways {
		if g.addr.IP.Equal(ip) {
			g.Registry().OnGatewayDiscovered(ip, octet)
		}
	}
}

func (b *Bridge) publishDiscovery(msg DiscoveryMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.error("failed to marshal discovery", "error", err)
		return
	}
	if err := b.mqtt.Publish(DiscoveryTopic(), payload, 1, false); err != nil {
		b.log.error("failed to publish discovery", "error", err)
	}
	b.broadcast(ChannelDiscovery, msg)
}

// SlotChanged implements StateObserver.
func (b *Bridge) SlotChanged(gatewayID string, info SlotInfo) {
	msg := NewStateMessage(gatewayID, info)
	b.publishRetained(StateTopic(gatewayID, info.Node, info.Slot), msg)
	b.broadcast(ChannelState, msg)

	if b.store != nil {
		if err := b.store.SaveSlotState(b.ctx, gatewayID, info.Node, info.Slot, info.Raw, info.State); err != nil {
			b.log.debug("slot state persist skipped", "gateway", gatewayID, "reason", err.Error())
		}
	}

	if b.metrics != nil {
		fields := make(map[string]interface{})
		for _, k := range numericStateKeys {
			if v, ok := info.State[k]; ok {
				fields[k] = v
			}
		}
		if len(fields) > 0 {
			b.metrics.WritePoint("souliss_slot", map[string]string{
				"gateway": gatewayID,
				"node":    strconv.Itoa(info.Node),
				"slot":    strconv.Itoa(info.Slot),
				"typical": info.Typical,
			}, fields)
		}
	}
}

// TypicalDetected implements StateObserver.
func (b *Bridge) TypicalDetected(gatewayID string, node, slot int, typical byte) {
	if b.store != nil {
		if err := b.store.SaveTypical(b.ctx, gatewayID, node, slot, typical); err != nil {
			b.log.debug("typical persist skipped", "gateway", gatewayID, "reason", err.Error())
		}
	}

	dt := DiscoveredTypical{Gateway: gatewayID, Node: node, Slot: slot, Typical: fmt.Sprintf("T%X", typical)}
	if g, ok := b.gateways[gatewayID]; ok {
		if s, ok := g.Registry().Slot(node, slot); ok {
			dt.Name = s.Spec().Name
		}
	}
	b.log.info("typical detected", "gateway", gatewayID, "node", node, "slot", slot, "typical", dt.Typical)
	b.publishDiscovery(DiscoveryMessage{Timestamp: time.Now().UTC(), Bridge: b.id, Typicals: []DiscoveredTypical{dt}})
}

// NodeHealthChanged implements StateObserver.
func (b *Bridge) NodeHealthChanged(gatewayID string, node int, health byte) {
	msg := NodeHealthMessage{Gateway: gatewayID, Node: node, Health: int(health), Timestamp: time.Now().UTC()}
	b.publishRetained(NodeHealthTopic(gatewayID, node), msg)
	b.broadcast(ChannelHealth, msg)

	if b.store != nil {
		if err := b.store.SaveNodeHealth(b.ctx, gatewayID, node, health); err != nil {
			b.log.debug("node health persist skipped", "gateway", gatewayID, "reason", err.Error())
		}
	}
	if b.metrics != nil {
		b.metrics.WritePoint("souliss_node_health",
			map[string]string{"gateway": gatewayID, "node": strconv.Itoa(node)},
			map[string]interface{}{"health": int(health)})
	}
}

// TopicReceived implements StateObserver.
func (b *Bridge) TopicReceived(gatewayID string, topic TopicInfo) {
	msg := TopicMessage{
		Gateway:   gatewayID,
		Number:    topic.Number,
		Variant:   topic.Variant,
		Value:     topic.Value,
		Timestamp: time.Now().UTC(),
	}
	b.publishRetained(TopicStateTopic(gatewayID, topic.Number, topic.Variant), msg)
	b.broadcast(ChannelTopic, msg)

	if b.store != nil {
		if err := b.store.SaveTopic(b.ctx, gatewayID, topic.Number, topic.Variant, topic.Value); err != nil {
			b.log.debug("topic persist skipped", "gateway", gatewayID, "reason", err.Error())
		}
	}
	if b.metrics != nil && topic.Value != nil {
		b.metrics.WritePoint("souliss_topic",
			map[string]string{"gateway": gatewayID, "number": topic.Number, "variant": topic.Variant},
			map[string]interface{}{"value": *topic.Value})
	}
}

func (b *Bridge) publishRetained(topic string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.error("failed to marshal state", "topic", topic, "error", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, true); err != nil {
		b.log.error("failed to publish state", "topic", topic, "error", err)
	}
}

func (b *Bridge) broadcast(channel string, payload any) {
	if b.events != nil {
		b.events.Broadcast(channel, payload)
	}
}

// BridgeMetrics summarises the bridge for the status API.
type BridgeMetrics struct {
	Gateways       int    `json:"gateways"`
	GatewaysOnline int    `json:"gateways_online"`
	Slots          int    `json:"slots"`
	Queued         int    `json:"queued"`
	DatagramsRx    uint64 `json:"datagrams_rx"`
	DatagramsTx    uint64 `json:"datagrams_tx"`
	MQTTConnected  bool   `json:"mqtt_connected"`
}

// Metrics returns aggregate counters across gateways.
func (b *Bridge) Metrics() BridgeMetrics {
	m := BridgeMetrics{Gateways: len(b.order), MQTTConnected: b.mqtt.IsConnected()}
	for _, st := range b.GatewayStatuses() {
		if st.Online {
			m.GatewaysOnline++
		}
		m.Slots += st.Slots
		m.Queued += st.Queue.Queued
		m.DatagramsRx += st.Socket.DatagramsRx
		m.DatagramsTx += st.Socket.DatagramsTx
	}
	return m
}

// GatewayIDs returns the configured gateway ids sorted.
func (b *Bridge) GatewayIDs() []string {
	ids := append([]string(nil), b.order...)
	sort.Strings(ids)
	return ids
}
