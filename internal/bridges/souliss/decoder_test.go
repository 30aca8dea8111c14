package souliss

import (
	"errors"
	"net"
	"reflect"
	"testing"
)

const testGatewayOctet = 77

// datagramFrom builds a vNet datagram as sent by the node with the given
// last octet.
func datagramFrom(src byte, inner ...byte) []byte {
	l := byte(vNetHeaderLen + len(inner))
	d := []byte{l, l, vNetPort, 0x71, 0x00, src, 0x00}
	return append(d, inner...)
}

func decodeOne(t *testing.T, d *Decoder, datagram []byte) Event {
	t.Helper()
	events, err := d.Decode(datagram)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Decode() returned %d events, want 1: %#v", len(events), events)
	}
	return events[0]
}

func TestDecodePing(t *testing.T) {
	d := NewDecoder(testGatewayOctet)
	ev := decodeOne(t, d, datagramFrom(testGatewayOctet, 0x18, 0, 0, 0, 0))
	if _, ok := ev.(PingEvent); !ok {
		t.Errorf("event = %#v, want PingEvent", ev)
	}
}

func TestDecodeFiltersOtherSources(t *testing.T) {
	d := NewDecoder(testGatewayOctet)
	events, err := d.Decode(datagramFrom(12, 0x18, 0, 0, 0, 0))
	if err != nil || events != nil {
		t.Errorf("Decode() = %v, %v; want nil, nil", events, err)
	}

	d.SetGatewayOctet(12)
	if d.GatewayOctet() != 12 {
		t.Fatalf("GatewayOctet() = %d", d.GatewayOctet())
	}
	decodeOne(t, d, datagramFrom(12, 0x18, 0, 0, 0, 0))
}

func TestDecodeDiscoveryFromAnySource(t *testing.T) {
	d := NewDecoder(testGatewayOctet)
	ev := decodeOne(t, d, datagramFrom(9, 0x38, 0, 0, 0, 4, 192, 168, 1, 9))
	de, ok := ev.(DiscoveryEvent)
	if !ok {
		t.Fatalf("event = %#v, want DiscoveryEvent", ev)
	}
	if !de.IP.Equal(net.IPv4(192, 168, 1, 9)) || de.NodeOctet != 9 {
		t.Errorf("DiscoveryEvent = %+v", de)
	}
}

func TestDecodeState(t *testing.T) {
	d := NewDecoder(testGatewayOctet)
	for _, fn := range []byte{0x31, 0x37} {
		ev := decodeOne(t, d, datagramFrom(testGatewayOctet, fn, 0, 0, 3, 4, 0x01, 0x00, 0x60, 0x4d))
		se, ok := ev.(StateEvent)
		if !ok {
			t.Fatalf("event = %#v, want StateEvent", ev)
		}
		if se.Node != 3 || !reflect.DeepEqual(se.Raw, []byte{0x01, 0x00, 0x60, 0x4d}) {
			t.Errorf("StateEvent = %+v", se)
		}
		if se.Function != FunctionCode(fn) {
			t.Errorf("Function = %v, want %v", se.Function, FunctionCode(fn))
		}
	}
}

func TestDecodeStateTrailingBytesIgnored(t *testing.T) {
	d := NewDecoder(testGatewayOctet)
	ev := decodeOne(t, d, datagramFrom(testGatewayOctet, 0x31, 0, 0, 1, 2, 0x01, 0x02, 0xAA))
	if se := ev.(StateEvent); len(se.Raw) != 2 {
		t.Errorf("Raw = %x, want 2 bytes", se.Raw)
	}
}

func TestDecodeTypicals(t *testing.T) {
	d := NewDecoder(testGatewayOctet)
	d.SetMaxTypicalPerNode(4)

	events, err := d.Decode(datagramFrom(testGatewayOctet, 0x32, 0, 0, 2, 8,
		T11, TypicalEmpty, TypicalRelated, T51,
		T22, TypicalEmpty, TypicalEmpty, TypicalEmpty))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	want := []Event{
		TypicalDetectedEvent{Node: 2, Slot: 0, Typical: T11},
		TypicalDetectedEvent{Node: 2, Slot: 3, Typical: T51},
		TypicalDetectedEvent{Node: 3, Slot: 0, Typical: T22},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %#v, want %#v", events, want)
	}
}

func TestSetMaxTypicalPerNodeIgnoresNonPositive(t *testing.T) {
	d := NewDecoder(testGatewayOctet)
	d.SetMaxTypicalPerNode(0)
	d.SetMaxTypicalPerNode(-3)
	if got := d.MaxTypicalPerNode(); got != DefaultMaxTypicalPerNode {
		t.Errorf("MaxTypicalPerNode() = %d, want %d", got, DefaultMaxTypicalPerNode)
	}
}

func TestDecodeHealth(t *testing.T) {
	d := NewDecoder(testGatewayOctet)
	events, err := d.Decode(datagramFrom(testGatewayOctet, 0x35, 0, 0, 1, 3, 0xff, 0x00, 0x80))
	if err != nil {
		t.Fatal(err)
	}
	want := []Event{
		HealthEvent{Node: 1, Health: 0xff},
		HealthEvent{Node: 2, Health: 0x00},
		HealthEvent{Node: 3, Health: 0x80},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %#v, want %#v", events, want)
	}
}

func TestDecodeDBStruct(t *testing.T) {
	d := NewDecoder(testGatewayOctet)
	ev := decodeOne(t, d, datagramFrom(testGatewayOctet, 0x36, 0, 0, 0, 4, 5, 10, 24, 8))
	want := TopologyEvent{NodeCount: 5, MaxNodes: 10, MaxTypicalPerNode: 24, MaxRequests: 8}
	if ev != want {
		t.Errorf("event = %#v, want %#v", ev, want)
	}
}

func TestDecodeActionMessage(t *testing.T) {
	d := NewDecoder(testGatewayOctet)

	tests := []struct {
		name  string
		inner []byte
		want  TopicEvent
	}{
		{
			name:  "byte value",
			inner: []byte{0x72, 0x00, 0x01, 0x02, 0x01, 100},
			want:  TopicEvent{Number: "0001", Variant: "02", Value: 100},
		},
		{
			name:  "half float value",
			inner: []byte{0x72, 0x12, 0xAB, 0x01, 0x02, 0x60, 0x4d},
			want:  TopicEvent{Number: "12AB", Variant: "01", Value: 21.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Action messages are accepted from any node.
			ev := decodeOne(t, d, datagramFrom(33, tt.inner...))
			if ev != tt.want {
				t.Errorf("event = %#v, want %#v", ev, tt.want)
			}
		})
	}
}

func TestDecodeErrorAndUnknown(t *testing.T) {
	d := NewDecoder(testGatewayOctet)

	ev := decodeOne(t, d, datagramFrom(testGatewayOctet, 0x83, 0, 0, 0, 0))
	if ev != (ErrorReplyEvent{Function: FuncErrNotSupported}) {
		t.Errorf("event = %#v, want ErrorReplyEvent", ev)
	}

	ev = decodeOne(t, d, datagramFrom(testGatewayOctet, 0x99))
	if ev != (UnknownEvent{Function: 0x99}) {
		t.Errorf("event = %#v, want UnknownEvent", ev)
	}
}

func TestDecodeMalformed(t *testing.T) {
	d := NewDecoder(testGatewayOctet)

	tests := []struct {
		name     string
		datagram []byte
		want     error
	}{
		{"short datagram", []byte{1, 2, 3}, ErrShortDatagram},
		{"no function code", datagramFrom(testGatewayOctet), ErrMalformedFrame},
		{"state header truncated", datagramFrom(testGatewayOctet, 0x31, 0, 0), ErrMalformedFrame},
		{"count exceeds payload", datagramFrom(testGatewayOctet, 0x31, 0, 0, 1, 4, 1, 2), ErrMalformedFrame},
		{"typicals truncated", datagramFrom(testGatewayOctet, 0x32, 0, 0, 0, 3, 0x11), ErrMalformedFrame},
		{"health truncated", datagramFrom(testGatewayOctet, 0x35, 0, 0, 0, 2), ErrMalformedFrame},
		{"db struct truncated", datagramFrom(testGatewayOctet, 0x36, 0, 0, 0, 4, 5, 10), ErrMalformedFrame},
		{"discovery truncated", datagramFrom(testGatewayOctet, 0x38, 0, 0, 0, 4, 192), ErrMalformedFrame},
		{"action truncated", datagramFrom(testGatewayOctet, 0x72, 0x00, 0x01), ErrMalformedFrame},
		{"action float truncated", datagramFrom(testGatewayOctet, 0x72, 0x00, 0x01, 0x02, 0x02, 0x60), ErrMalformedFrame},
		{"action bad length", datagramFrom(testGatewayOctet, 0x72, 0x00, 0x01, 0x02, 0x03, 1, 2, 3), ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := d.Decode(tt.datagram)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
			if events != nil {
				t.Errorf("Decode() events = %#v, want nil", events)
			}
		})
	}
}

func BenchmarkDecodeState(b *testing.B) {
	d := NewDecoder(testGatewayOctet)
	datagram := datagramFrom(testGatewayOctet, 0x31, 0, 0, 3, 4, 0x01, 0x00, 0x60, 0x4d)
	for i := 0; i < b.N; i++ {
		d.Decode(datagram) //nolint:errcheck // benchmark
	}
}
