package souliss

import (
	"fmt"
	"net"
)

// FunctionCode identifies a MaCaCo operation. Requests and their replies
// differ by 0x10 for the node-addressed queries.
type FunctionCode byte

// MaCaCo function codes.
const (
	FuncPing               FunctionCode = 0x08
	FuncPingReply          FunctionCode = 0x18
	FuncSubscribe          FunctionCode = 0x21
	FuncSubscribeReply     FunctionCode = 0x31
	FuncTypicalRequest     FunctionCode = 0x22
	FuncTypicalReply       FunctionCode = 0x32
	FuncHealthRequest      FunctionCode = 0x25
	FuncHealthReply        FunctionCode = 0x35
	FuncDBStructRequest    FunctionCode = 0x26
	FuncDBStructReply      FunctionCode = 0x36
	FuncPoll               FunctionCode = 0x27
	FuncPollReply          FunctionCode = 0x37
	FuncDiscoverGateway    FunctionCode = 0x28
	FuncDiscoverReply      FunctionCode = 0x38
	FuncForce              FunctionCode = 0x33
	FuncForceMassive       FunctionCode = 0x34
	FuncActionMessage      FunctionCode = 0x72
	FuncErrNotSupported    FunctionCode = 0x83
	FuncErrOutOfRange      FunctionCode = 0x84
	FuncErrSubscriptionRef FunctionCode = 0x85
)

var functionNames = map[FunctionCode]string{
	FuncPing:               "ping",
	FuncPingReply:          "ping_reply",
	FuncSubscribe:          "subscribe",
	FuncSubscribeReply:     "subscribe_reply",
	FuncTypicalRequest:     "typical_request",
	FuncTypicalReply:       "typical_reply",
	FuncHealthRequest:      "health_request",
	FuncHealthReply:        "health_reply",
	FuncDBStructRequest:    "db_struct_request",
	FuncDBStructReply:      "db_struct_reply",
	FuncPoll:               "poll",
	FuncPollReply:          "poll_reply",
	FuncDiscoverGateway:    "discover",
	FuncDiscoverReply:      "discover_reply",
	FuncForce:              "force",
	FuncForceMassive:       "force_massive",
	FuncActionMessage:      "action_message",
	FuncErrNotSupported:    "err_not_supported",
	FuncErrOutOfRange:      "err_out_of_range",
	FuncErrSubscriptionRef: "err_subscription_refused",
}

// String returns a short name for the function code.
func (f FunctionCode) String() string {
	if name, ok := functionNames[f]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", byte(f))
}

// vNet and MaCaCo layout constants.
const (
	// vNetPort is the vNet port byte identifying MaCaCo traffic.
	vNetPort byte = 23

	// vNetHeaderLen is the routing header counted by the length prefix:
	// port, destination, compensation, node index, user index.
	vNetHeaderLen = 5

	// vNetPrefixLen is the length prefix (2) plus the routing header.
	vNetPrefixLen = 2 + vNetHeaderLen

	// vNetSourceOctetIndex is the datagram byte carrying the last octet of
	// the sending gateway.
	vNetSourceOctetIndex = 5

	// macacoHeaderLen is function, two put-in bytes, start offset, count.
	macacoHeaderLen = 5

	// maxInnerLen keeps the vNet length byte within range.
	maxInnerLen = 0xff - vNetHeaderLen

	// maxForceExtra is the largest number of bytes following a command
	// byte (RGB triplet).
	maxForceExtra = 3

	// BroadcastOctet is the vNet destination used for broadcast frames.
	BroadcastOctet byte = 0xff
)

// Frame is a MaCaCo frame: the un-addressed inner command.
//
// Wire layout: [function, putIn0, putIn1, startOffset, count, payload...]
type Frame struct {
	Function    FunctionCode
	PutIn       [2]byte
	StartOffset byte
	Count       byte
	Payload     []byte
}

// BuildForceFrame encodes a state change for one slot of a node.
//
// The start offset carries the node, the payload addresses slots by
// position: slot zero bytes meaning "no change", the command byte, then up
// to three extra bytes (dimmer level, RGB, setpoint).
//
// Parameters:
//   - node: Target node index
//   - slot: Slot of the command byte within the node
//   - command: Typical command byte
//   - extra: Trailing value bytes for multi-slot typicals
//
// Returns:
//   - Frame: Force frame with Count == len(Payload)
//   - error: If extra is too long or the frame would overflow
func BuildForceFrame(node, slot, command byte, extra ...byte) (Frame, error) {
	if len(extra) > maxForceExtra {
		return Frame{}, fmt.Errorf("%w: %d extra bytes (max %d)", ErrInvalidCommand, len(extra), maxForceExtra)
	}

	n := int(slot) + 1 + len(extra)
	if macacoHeaderLen+n > maxInnerLen {
		return Frame{}, fmt.Errorf("%w: slot %d with %d extra bytes", ErrFrameTooLarge, slot, len(extra))
	}

	payload := make([]byte, n)
	payload[slot] = command
	copy(payload[int(slot)+1:], extra)

	return Frame{
		Function:    FuncForce,
		StartOffset: node,
		Count:       byte(n),
		Payload:     payload,
	}, nil
}

// BuildRequestFrame builds a header-only query frame such as a typical
// list, health or subscription request.
func BuildRequestFrame(fn FunctionCode, startOffset, count byte) Frame {
	return Frame{
		Function:    fn,
		StartOffset: startOffset,
		Count:       count,
	}
}

// Node returns the node addressed by a force frame, or -1 for any other
// function code.
func (f Frame) Node() int {
	if f.Function != FuncForce {
		return -1
	}
	return int(f.StartOffset)
}

// Clone returns a copy of the frame that owns its payload.
func (f Frame) Clone() Frame {
	c := f
	c.Payload = append([]byte(nil), f.Payload...)
	return c
}

// Encode returns the wire bytes of the frame.
func (f Frame) Encode() []byte {
	out := make([]byte, 0, macacoHeaderLen+len(f.Payload))
	out = append(out, byte(f.Function), f.PutIn[0], f.PutIn[1], f.StartOffset, f.Count)
	return append(out, f.Payload...)
}

// ParseFrame parses MaCaCo bytes into a Frame.
// The payload is whatever follows the header; it is copied so the caller may
// reuse the input buffer.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < macacoHeaderLen {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(data), macacoHeaderLen)
	}

	return Frame{
		Function:    FunctionCode(data[0]),
		PutIn:       [2]byte{data[1], data[2]},
		StartOffset: data[3],
		Count:       data[4],
		Payload:     append([]byte(nil), data[macacoHeaderLen:]...),
	}, nil
}

// Route holds the vNet addressing fields prepended by Wrap.
type Route struct {
	// DestOctet is the last octet of the target IP, or BroadcastOctet.
	DestOctet byte

	// Compensation is the third octet of the target IP when unicasting,
	// zero when broadcasting.
	Compensation byte

	// NodeIndex and UserIndex identify this bridge on the vNet.
	NodeIndex byte
	UserIndex byte
}

// RouteTo derives a Route for ip. A nil, unspecified or broadcast ip
// produces a broadcast route.
func RouteTo(ip net.IP, nodeIndex, userIndex byte) Route {
	r := Route{NodeIndex: nodeIndex, UserIndex: userIndex, DestOctet: BroadcastOctet}
	v4 := ip.To4()
	if v4 == nil || v4.Equal(net.IPv4bcast) || v4.IsUnspecified() {
		return r
	}
	r.DestOctet = v4[3]
	r.Compensation = v4[2]
	return r
}

// Wrap prepends the vNet header to an encoded frame.
//
// Wire layout: [L, L, 23, dest, compensation, nodeIdx, userIdx, inner...]
// with L = 5 + len(inner).
func Wrap(f Frame, r Route) ([]byte, error) {
	inner := f.Encode()
	if len(inner) > maxInnerLen {
		return nil, fmt.Errorf("%w: inner frame %d bytes (max %d)", ErrFrameTooLarge, len(inner), maxInnerLen)
	}

	l := byte(vNetHeaderLen + len(inner))
	out := make([]byte, 0, vNetPrefixLen+len(inner))
	out = append(out, l, l, vNetPort, r.DestOctet, r.Compensation, r.NodeIndex, r.UserIndex)
	return append(out, inner...), nil
}

// Unwrap strips the vNet prefix from a received datagram.
//
// Returns:
//   - gatewayOctet: Last octet of the sending gateway (datagram byte 5)
//   - inner: MaCaCo bytes, sharing the datagram's backing array
//   - error: ErrShortDatagram if the prefix is incomplete
func Unwrap(datagram []byte) (gatewayOctet byte, inner []byte, err error) {
	if len(datagram) < vNetPrefixLen {
		return 0, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrShortDatagram, len(datagram), vNetPrefixLen)
	}
	return datagram[vNetSourceOctetIndex], datagram[vNetPrefixLen:], nil
}
