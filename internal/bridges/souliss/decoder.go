package souliss

import (
	"fmt"
	"net"
	"sync/atomic"
)

// DefaultMaxTypicalPerNode is used for typical list decoding until the
// gateway reports its database structure.
const DefaultMaxTypicalPerNode = 24

// Action message layout, relative to the byte after the function code.
const (
	actionTopicHi     = 0
	actionTopicLo     = 1
	actionVariant     = 2
	actionLength      = 3
	actionValue       = 4
	actionMinLen      = 4
	actionByteValue   = 1
	actionFloatValue  = 2
	discoveryIPOffset = macacoHeaderLen
	dbStructMinLen    = macacoHeaderLen + 4
)

// Decoder turns datagrams received from one gateway into events.
//
// Frames whose source octet does not match the gateway are dropped, except
// for discovery replies and action messages which are broadcast by any
// node. The decoder is safe for concurrent use.
type Decoder struct {
	gatewayOctet      atomic.Uint32
	maxTypicalPerNode atomic.Uint32
}

// NewDecoder creates a decoder for the gateway whose last IP octet is
// gatewayOctet.
func NewDecoder(gatewayOctet byte) *Decoder {
	d := &Decoder{}
	d.gatewayOctet.Store(uint32(gatewayOctet))
	d.maxTypicalPerNode.Store(DefaultMaxTypicalPerNode)
	return d
}

// GatewayOctet returns the octet frames are filtered on.
func (d *Decoder) GatewayOctet() byte {
	return byte(d.gatewayOctet.Load())
}

// SetGatewayOctet changes the filter, e.g. after discovery resolved the
// gateway address.
func (d *Decoder) SetGatewayOctet(octet byte) {
	d.gatewayOctet.Store(uint32(octet))
}

// MaxTypicalPerNode returns the slot count per node used for typical list
// decoding.
func (d *Decoder) MaxTypicalPerNode() int {
	return int(d.maxTypicalPerNode.Load())
}

// SetMaxTypicalPerNode calibrates typical list decoding. Non-positive
// values are ignored.
func (d *Decoder) SetMaxTypicalPerNode(n int) {
	if n > 0 {
		d.maxTypicalPerNode.Store(uint32(n))
	}
}

// Decode decodes one vNet datagram.
//
// Returns:
//   - []Event: Zero or more events; nil when the frame is filtered out
//   - error: ErrShortDatagram or ErrMalformedFrame for truncated input
func (d *Decoder) Decode(datagram []byte) ([]Event, error) {
	src, inner, err := Unwrap(datagram)
	if err != nil {
		return nil, err
	}
	if len(inner) == 0 {
		return nil, fmt.Errorf("%w: no function code", ErrMalformedFrame)
	}

	fn := FunctionCode(inner[0])
	if !isBroadcastReply(fn) && src != d.GatewayOctet() {
		return nil, nil
	}

	switch fn {
	case FuncPingReply:
		return []Event{PingEvent{}}, nil
	case FuncDiscoverReply:
		return decodeDiscovery(inner)
	case FuncSubscribeReply, FuncPollReply:
		return decodeState(fn, inner)
	case FuncTypicalReply:
		return d.decodeTypicals(inner)
	case FuncHealthReply:
		return decodeHealth(inner)
	case FuncDBStructReply:
		return decodeDBStruct(inner)
	case FuncActionMessage:
		return decodeActionMessage(inner[1:])
	case FuncErrNotSupported, FuncErrOutOfRange, FuncErrSubscriptionRef:
		return []Event{ErrorReplyEvent{Function: fn}}, nil
	}
	return []Event{UnknownEvent{Function: fn}}, nil
}

func isBroadcastReply(fn FunctionCode) bool {
	return fn == FuncDiscoverReply || fn == FuncActionMessage
}

// payloadOf returns the count-limited payload of a MaCaCo frame.
func payloadOf(inner []byte) ([]byte, error) {
	if len(inner) < macacoHeaderLen {
		return nil, fmt.Errorf("%w: %s reply has %d bytes, need %d",
			ErrMalformedFrame, FunctionCode(inner[0]), len(inner), macacoHeaderLen)
	}
	payload := inner[macacoHeaderLen:]
	count := int(inner[4])
	if count > len(payload) {
		return nil, fmt.Errorf("%w: %s count %d exceeds payload %d",
			ErrMalformedFrame, FunctionCode(inner[0]), count, len(payload))
	}
	return payload[:count], nil
}

func decodeDiscovery(inner []byte) ([]Event, error) {
	if len(inner) < discoveryIPOffset+net.IPv4len {
		return nil, fmt.Errorf("%w: discovery reply has %d bytes", ErrMalformedFrame, len(inner))
	}
	ip := net.IPv4(inner[5], inner[6], inner[7], inner[8])
	return []Event{DiscoveryEvent{IP: ip, NodeOctet: inner[8]}}, nil
}

func decodeState(fn FunctionCode, inner []byte) ([]Event, error) {
	payload, err := payloadOf(inner)
	if err != nil {
		return nil, err
	}
	return []Event{StateEvent{
		Function: fn,
		Node:     int(inner[3]),
		Raw:      append([]byte(nil), payload...),
	}}, nil
}

func (d *Decoder) decodeTypicals(inner []byte) ([]Event, error) {
	payload, err := payloadOf(inner)
	if err != nil {
		return nil, err
	}

	perNode := d.MaxTypicalPerNode()
	start := int(inner[3])
	var events []Event
	for j, typ := range payload {
		if typ == TypicalEmpty || typ == TypicalRelated {
			continue
		}
		events = append(events, TypicalDetectedEvent{
			Node:    j/perNode + start,
			Slot:    j % perNode,
			Typical: typ,
		})
	}
	return events, nil
}

func decodeHealth(inner []byte) ([]Event, error) {
	payload, err := payloadOf(inner)
	if err != nil {
		return nil, err
	}

	start := int(inner[3])
	events := make([]Event, 0, len(payload))
	for i, h := range payload {
		events = append(events, HealthEvent{Node: start + i, Health: h})
	}
	return events, nil
}

func decodeDBStruct(inner []byte) ([]Event, error) {
	if len(inner) < dbStructMinLen {
		return nil, fmt.Errorf("%w: db structure reply has %d bytes", ErrMalformedFrame, len(inner))
	}
	return []Event{TopologyEvent{
		NodeCount:         int(inner[5]),
		MaxNodes:          int(inner[6]),
		MaxTypicalPerNode: int(inner[7]),
		MaxRequests:       int(inner[8]),
	}}, nil
}

// decodeActionMessage decodes [topicHi, topicLo, variant, len, value...].
func decodeActionMessage(body []byte) ([]Event, error) {
	if len(body) < actionMinLen {
		return nil, fmt.Errorf("%w: action message has %d bytes", ErrMalformedFrame, len(body))
	}

	ev := TopicEvent{
		Number:  fmt.Sprintf("%02X%02X", body[actionTopicHi], body[actionTopicLo]),
		Variant: fmt.Sprintf("%02X", body[actionVariant]),
	}

	switch n := body[actionLength]; {
	case n == actionByteValue && len(body) > actionValue:
		ev.Value = float64(body[actionValue])
	case n == actionFloatValue && len(body) > actionValue+1:
		ev.Value = float64(DecodeHalfLE(body[actionValue], body[actionValue+1]))
	default:
		return nil, fmt.Errorf("%w: action message value length %d with %d bytes", ErrMalformedFrame, n, len(body))
	}
	return []Event{ev}, nil
}
