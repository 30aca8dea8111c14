package souliss

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// DiscoverySink receives what a gateway learns about its network.
type DiscoverySink interface {
	OnGatewayDiscovered(ip net.IP, octet byte)
	OnTypicalDetected(node, slot int, typical byte)
	OnTopicDetected(number, variant string)
}

// Slot is one typical on a node. It implements SlotOwner.
type Slot struct {
	node int
	slot int
	spec TypicalSpec

	mu        sync.RWMutex
	raw       []byte
	state     DecodedState
	health    byte
	updatedAt time.Time
}

// SlotInfo is a read-only view of a slot.
type SlotInfo struct {
	Node      int          `json:"node"`
	Slot      int          `json:"slot"`
	Typical   string       `json:"typical"`
	Name      string       `json:"name"`
	Raw       []byte       `json:"raw,omitempty"`
	State     DecodedState `json:"state,omitempty"`
	Health    byte         `json:"health"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

// Node returns the node index.
func (s *Slot) Node() int { return s.node }

// Index returns the slot index within the node.
func (s *Slot) Index() int { return s.slot }

// Spec returns the typical spec of the slot.
func (s *Slot) Spec() TypicalSpec { return s.spec }

// RawState returns the head state byte.
func (s *Slot) RawState() byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.raw) == 0 {
		return 0
	}
	return s.raw[0]
}

// ExpectedRawState predicts the head byte after cmd.
func (s *Slot) ExpectedRawState(cmd byte) (byte, bool) {
	if s.spec.Expected == nil {
		return 0, false
	}
	return s.spec.Expected(cmd)
}

// ApplyDecodedState stores raw bytes and their decoded form. A nil state
// keeps the previous decoded value.
func (s *Slot) ApplyDecodedState(raw []byte, state DecodedState) {
	s.mu.Lock()
	s.raw = append(s.raw[:0], raw...)
	if state != nil {
		s.state = state
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// SetHealthy records the node health byte.
func (s *Slot) SetHealthy(health byte) {
	s.mu.Lock()
	s.health = health
	s.mu.Unlock()
}

// Info returns a snapshot of the slot.
func (s *Slot) Info() SlotInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SlotInfo{
		Node:      s.node,
		Slot:      s.slot,
		Typical:   fmt.Sprintf("T%X", s.spec.Code),
		Name:      s.spec.Name,
		Raw:       append([]byte(nil), s.raw...),
		Health:    s.health,
		UpdatedAt: s.updatedAt,
	}
	if s.state != nil {
		info.State = make(DecodedState, len(s.state))
		for k, v := range s.state {
			info.State[k] = v
		}
	}
	return info
}

type slotKey struct {
	node int
	slot int
}

// TopicInfo is the last reading of an action message topic.
type TopicInfo struct {
	Number    string    `json:"number"`
	Variant   string    `json:"variant"`
	Value     *float64  `json:"value,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// SlotRegistry is the in-memory map of typicals known on one gateway.
//
// Thread Safety: All methods are safe for concurrent use. Resolve never
// blocks on slot state updates.
type SlotRegistry struct {
	typicals *TypicalTable

	mu        sync.RWMutex
	slots     map[slotKey]*Slot
	topics    map[string]*TopicInfo
	gatewayIP net.IP
}

// NewSlotRegistry creates an empty registry decoding with typicals.
func NewSlotRegistry(typicals *TypicalTable) *SlotRegistry {
	if typicals == nil {
		typicals = DefaultTypicals()
	}
	return &SlotRegistry{
		typicals: typicals,
		slots:    make(map[slotKey]*Slot),
		topics:   make(map[string]*TopicInfo),
	}
}

// Register adds a typical at node/slot. An existing slot with the same
// typical is kept (with its state); a different typical replaces it.
//
// Returns:
//   - *Slot: The registered slot
//   - bool: true if the registry changed
//   - error: ErrUnknownTypical if the code is not in the typical table
func (r *SlotRegistry) Register(node, slot int, typical byte) (*Slot, bool, error) {
	spec, ok := r.typicals.Lookup(typical)
	if !ok {
		return nil, false, fmt.Errorf("%w: 0x%02X at node %d slot %d", ErrUnknownTypical, typical, node, slot)
	}

	key := slotKey{node, slot}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.slots[key]; ok && existing.spec.Code == typical {
		return existing, false, nil
	}
	s := &Slot{node: node, slot: slot, spec: spec}
	r.slots[key] = s
	return s, true, nil
}

// Restore registers a persisted slot and applies its last known raw
// state.
func (r *SlotRegistry) Restore(node, slot int, typical byte, raw []byte) error {
	s, _, err := r.Register(node, slot, typical)
	if err != nil {
		return err
	}
	if len(raw) < s.spec.SlotWidth {
		return nil
	}
	raw = raw[:s.spec.SlotWidth]
	state, ok := s.spec.Decode(raw)
	if !ok {
		state = nil
	}
	s.ApplyDecodedState(raw, state)
	return nil
}

// Resolve implements DeviceRegistry.
func (r *SlotRegistry) Resolve(node, slot int) (SlotOwner, bool) {
	s, ok := r.Slot(node, slot)
	if !ok {
		return nil, false
	}
	return s, true
}

// Slot returns the slot registered at node/slot.
func (r *SlotRegistry) Slot(node, slot int) (*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[slotKey{node, slot}]
	return s, ok
}

// NodeSlots returns the slots of node ordered by slot index.
func (r *SlotRegistry) NodeSlots(node int) []*Slot {
	r.mu.RLock()
	var out []*Slot
	for k, s := range r.slots {
		if k.node == node {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].slot < out[j].slot })
	return out
}

// Slots returns snapshots of every slot ordered by node then slot.
func (r *SlotRegistry) Slots() []SlotInfo {
	r.mu.RLock()
	all := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		all = append(all, s)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].node != all[j].node {
			return all[i].node < all[j].node
		}
		return all[i].slot < all[j].slot
	})

	infos := make([]SlotInfo, len(all))
	for i, s := range all {
		infos[i] = s.Info()
	}
	return infos
}

// Len returns the number of registered slots.
func (r *SlotRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Nodes returns the distinct node indexes with registered slots.
func (r *SlotRegistry) Nodes() []int {
	r.mu.RLock()
	seen := make(map[int]struct{})
	for k := range r.slots {
		seen[k.node] = struct{}{}
	}
	r.mu.RUnlock()

	nodes := make([]int, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)
	return nodes
}

// ApplyNodeState fans a node's raw state out to its registered slots.
// raw starts at slot zero. Slots whose bytes are not fully covered are
// skipped.
//
// Returns:
//   - []SlotInfo: Snapshots of the slots whose raw bytes changed
func (r *SlotRegistry) ApplyNodeState(node int, raw []byte) []SlotInfo {
	var changed []SlotInfo
	for _, s := range r.NodeSlots(node) {
		end := s.slot + s.spec.SlotWidth
		if end > len(raw) {
			continue
		}
		b := raw[s.slot:end]

		s.mu.RLock()
		same := !s.updatedAt.IsZero() && bytes.Equal(s.raw, b)
		s.mu.RUnlock()
		if same {
			continue
		}

		state, ok := s.spec.Decode(b)
		if !ok {
			state = nil
		}
		s.ApplyDecodedState(b, state)
		changed = append(changed, s.Info())
	}
	return changed
}

// ApplyHealth records a node's health byte on each of its slots.
func (r *SlotRegistry) ApplyHealth(node int, health byte) {
	for _, s := range r.NodeSlots(node) {
		s.SetHealthy(health)
	}
}

// RecordTopic stores the latest reading of a topic.
func (r *SlotRegistry) RecordTopic(ev TopicEvent) TopicInfo {
	key := ev.Number + "/" + ev.Variant
	v := ev.Value

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[key]
	if !ok {
		t = &TopicInfo{Number: ev.Number, Variant: ev.Variant}
		r.topics[key] = t
	}
	t.Value = &v
	t.UpdatedAt = time.Now()
	return *t
}

// Topics returns every known topic ordered by number then variant.
func (r *SlotRegistry) Topics() []TopicInfo {
	r.mu.RLock()
	out := make([]TopicInfo, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, *t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].Variant < out[j].Variant
	})
	return out
}

// GatewayIP returns the address reported by the last discovery reply.
func (r *SlotRegistry) GatewayIP() net.IP {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gatewayIP
}

// OnGatewayDiscovered implements DiscoverySink.
func (r *SlotRegistry) OnGatewayDiscovered(ip net.IP, _ byte) {
	r.mu.Lock()
	r.gatewayIP = append(net.IP(nil), ip...)
	r.mu.Unlock()
}

// OnTypicalDetected implements DiscoverySink. Unknown typicals are ignored.
func (r *SlotRegistry) OnTypicalDetected(node, slot int, typical byte) {
	//nolint:errcheck // unknown typicals are skipped
	r.Register(node, slot, typical)
}

// OnTopicDetected implements DiscoverySink. The topic is listed without
// a value until a reading arrives.
func (r *SlotRegistry) OnTopicDetected(number, variant string) {
	key := number + "/" + variant
	r.mu.Lock()
	if _, ok := r.topics[key]; !ok {
		r.topics[key] = &TopicInfo{Number: number, Variant: variant}
	}
	r.mu.Unlock()
}
