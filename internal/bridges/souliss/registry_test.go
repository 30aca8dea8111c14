package souliss

import (
	"errors"
	"net"
	"testing"
)

func TestSlotRegistryRegister(t *testing.T) {
	r := NewSlotRegistry(nil)

	s, changed, err := r.Register(1, 0, T11)
	if err != nil || !changed {
		t.Fatalf("Register() = %v, %v", changed, err)
	}
	s.ApplyDecodedState([]byte{T1nOnCoil}, DecodedState{"on": true})

	// Same typical keeps the slot and its state.
	again, changed, err := r.Register(1, 0, T11)
	if err != nil || changed || again != s {
		t.Errorf("re-Register same typical: changed=%v err=%v same=%v", changed, err, again == s)
	}
	if again.RawState() != T1nOnCoil {
		t.Error("state lost on re-register")
	}

	// Different typical replaces it.
	repl, changed, _ := r.Register(1, 0, T22)
	if !changed || repl == s || repl.RawState() != 0 {
		t.Errorf("replace: changed=%v raw=%d", changed, repl.RawState())
	}

	if _, _, err := r.Register(1, 3, 0x99); !errors.Is(err, ErrUnknownTypical) {
		t.Errorf("unknown typical error = %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestSlotRegistryResolve(t *testing.T) {
	r := NewSlotRegistry(nil)
	r.Register(2, 4, T19) //nolint:errcheck // test setup

	owner, ok := r.Resolve(2, 4)
	if !ok {
		t.Fatal("Resolve(2, 4) not found")
	}
	if exp, ok := owner.ExpectedRawState(T1nOnCmd); !ok || exp != T1nOnCoil {
		t.Errorf("ExpectedRawState = %d, %v", exp, ok)
	}
	// The second byte of a dimmer is not a typical of its own.
	if _, ok := r.Resolve(2, 5); ok {
		t.Error("Resolve(2, 5) found a continuation slot")
	}
}

func TestSlotRegistryApplyNodeState(t *testing.T) {
	r := NewSlotRegistry(nil)
	r.Register(3, 0, T11) //nolint:errcheck // test setup
	r.Register(3, 1, T19) //nolint:errcheck // test setup
	r.Register(3, 3, T52) //nolint:errcheck // test setup
	r.Register(4, 0, T11) //nolint:errcheck // test setup

	raw := []byte{0x01, 0x01, 0x80, 0x60, 0x4d}
	changed := r.ApplyNodeState(3, raw)
	if len(changed) != 3 {
		t.Fatalf("changed = %d slots, want 3", len(changed))
	}
	if changed[1].Slot != 1 || changed[1].State["level"] != 128 {
		t.Errorf("dimmer = %+v", changed[1])
	}
	if changed[2].State["value"] != 21.5 {
		t.Errorf("sensor = %+v", changed[2])
	}

	// Identical bytes report nothing.
	if changed := r.ApplyNodeState(3, raw); len(changed) != 0 {
		t.Errorf("unchanged state reported %d slots", len(changed))
	}

	// Only the switch changed.
	raw[0] = 0x00
	changed = r.ApplyNodeState(3, raw)
	if len(changed) != 1 || changed[0].Slot != 0 || changed[0].State["on"] != false {
		t.Errorf("changed = %+v", changed)
	}

	// Short state skips uncovered slots.
	if changed := r.ApplyNodeState(3, []byte{0x01, 0x00}); len(changed) != 1 {
		t.Errorf("short state changed %d slots, want 1", len(changed))
	}

	// Node 4 untouched.
	if s, _ := r.Slot(4, 0); !s.Info().UpdatedAt.IsZero() {
		t.Error("node 4 updated by node 3 state")
	}
}

func TestSlotRegistryUndecodableKeepsState(t *testing.T) {
	r := NewSlotRegistry(nil)
	r.Register(1, 0, T52) //nolint:errcheck // test setup

	r.ApplyNodeState(1, []byte{0x60, 0x4d})
	changed := r.ApplyNodeState(1, []byte{0x00, 0x7e})
	if len(changed) != 1 {
		t.Fatalf("changed = %d, want 1", len(changed))
	}
	if changed[0].State["value"] != 21.5 {
		t.Errorf("state after NaN = %v, want previous reading", changed[0].State)
	}
	if changed[0].Raw[1] != 0x7e {
		t.Errorf("raw not updated: %x", changed[0].Raw)
	}
}

func TestSlotRegistryRestore(t *testing.T) {
	r := NewSlotRegistry(nil)

	if err := r.Restore(1, 2, T19, []byte{0x01, 0x40, 0xff}); err != nil {
		t.Fatal(err)
	}
	s, _ := r.Slot(1, 2)
	info := s.Info()
	if len(info.Raw) != 2 || info.State["level"] != 64 {
		t.Errorf("restored = %+v", info)
	}

	// Too short: registered without state.
	if err := r.Restore(1, 5, T31, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if s, ok := r.Slot(1, 5); !ok || len(s.Info().Raw) != 0 {
		t.Error("short restore applied state")
	}

	if err := r.Restore(1, 9, 0x99, nil); !errors.Is(err, ErrUnknownTypical) {
		t.Errorf("error = %v, want ErrUnknownTypical", err)
	}
}

func TestSlotRegistryHealth(t *testing.T) {
	r := NewSlotRegistry(nil)
	r.Register(1, 0, T11) //nolint:errcheck // test setup
	r.Register(1, 1, T11) //nolint:errcheck // test setup
	r.ApplyHealth(1, 0xC8)

	for _, s := range r.NodeSlots(1) {
		if s.Info().Health != 0xC8 {
			t.Errorf("slot %d health = %d", s.Index(), s.Info().Health)
		}
	}
}

func TestSlotRegistryOrdering(t *testing.T) {
	r := NewSlotRegistry(nil)
	r.Register(2, 1, T11) //nolint:errcheck // test setup
	r.Register(1, 3, T11) //nolint:errcheck // test setup
	r.Register(1, 0, T11) //nolint:errcheck // test setup

	infos := r.Slots()
	want := [][2]int{{1, 0}, {1, 3}, {2, 1}}
	for i, w := range want {
		if infos[i].Node != w[0] || infos[i].Slot != w[1] {
			t.Errorf("Slots()[%d] = %d/%d, want %d/%d", i, infos[i].Node, infos[i].Slot, w[0], w[1])
		}
	}
	if nodes := r.Nodes(); len(nodes) != 2 || nodes[0] != 1 || nodes[1] != 2 {
		t.Errorf("Nodes() = %v", nodes)
	}
	if infos[0].Typical != "T11" || infos[0].Name != "switch" {
		t.Errorf("info = %+v", infos[0])
	}
}

func TestSlotInfoIsCopy(t *testing.T) {
	r := NewSlotRegistry(nil)
	s, _, _ := r.Register(1, 0, T11)
	s.ApplyDecodedState([]byte{0x01}, DecodedState{"on": true})

	info := s.Info()
	info.Raw[0] = 0x55
	info.State["on"] = false

	if s.RawState() != 0x01 || s.Info().State["on"] != true {
		t.Error("Info() shares memory with the slot")
	}
}

func TestSlotRegistryTopics(t *testing.T) {
	r := NewSlotRegistry(nil)

	r.OnTopicDetected("0002", "01")
	r.RecordTopic(TopicEvent{Number: "0001", Variant: "02", Value: 100})
	info := r.RecordTopic(TopicEvent{Number: "0001", Variant: "02", Value: 101})
	if info.Value == nil || *info.Value != 101 {
		t.Errorf("RecordTopic() = %+v", info)
	}

	// Detection does not clear a recorded value.
	r.OnTopicDetected("0001", "02")

	topics := r.Topics()
	if len(topics) != 2 {
		t.Fatalf("Topics() = %d, want 2", len(topics))
	}
	if topics[0].Number != "0001" || topics[0].Value == nil || *topics[0].Value != 101 {
		t.Errorf("topics[0] = %+v", topics[0])
	}
	if topics[1].Value != nil {
		t.Errorf("detected topic has value %v", *topics[1].Value)
	}
}

func TestSlotRegistryDiscoverySink(t *testing.T) {
	r := NewSlotRegistry(nil)
	var sink DiscoverySink = r

	sink.OnGatewayDiscovered(net.IPv4(192, 168, 1, 77).To4(), 77)
	if !r.GatewayIP().Equal(net.IPv4(192, 168, 1, 77)) {
		t.Errorf("GatewayIP() = %v", r.GatewayIP())
	}

	sink.OnTypicalDetected(1, 0, T11)
	sink.OnTypicalDetected(1, 1, 0x99)
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}
