package trace

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-souliss/internal/bridges/souliss"
)

// Event is one recorded datagram. CBOR keys are integers to keep the file
// compact.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// Session identifies the recorder instance (one per bridge run).
	Session string `cbor:"2,keyasint"`

	Gateway   string    `cbor:"3,keyasint"`
	Direction Direction `cbor:"4,keyasint"`

	// Function is the MaCaCo function code, zero when the datagram was too
	// short to carry one.
	Function souliss.FunctionCode `cbor:"5,keyasint,omitempty"`

	// SourceOctet is the last address octet carried in the vNet header of
	// inbound datagrams.
	SourceOctet int `cbor:"6,keyasint,omitempty"`

	Datagram []byte `cbor:"7,keyasint"`
}

// Direction is the datagram flow relative to the bridge.
type Direction uint8

const (
	// DirectionIn is a datagram received from a gateway.
	DirectionIn Direction = 0
	// DirectionOut is a datagram sent to a gateway.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// ParseDirection parses "in" or "out" (any case).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "in", "rx":
		return DirectionIn, nil
	case "out", "tx":
		return DirectionOut, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// newEvent classifies a datagram. Malformed datagrams are still recorded,
// without a function code.
func newEvent(ts time.Time, session, gatewayID string, outbound bool, datagram []byte) Event {
	e := Event{
		Timestamp: ts,
		Session:   session,
		Gateway:   gatewayID,
		Direction: DirectionIn,
		Datagram:  append([]byte(nil), datagram...),
	}
	if outbound {
		e.Direction = DirectionOut
	}

	octet, inner, err := souliss.Unwrap(datagram)
	if err != nil || len(inner) == 0 {
		return e
	}
	e.Function = souliss.FunctionCode(inner[0])
	if !outbound {
		e.SourceOctet = int(octet)
	}
	return e
}

// Format renders an event as a single line for terminal output.
func (e Event) Format() string {
	return fmt.Sprintf("%s %-3s %-10s %-18s %3dB %s",
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Direction,
		e.Gateway,
		e.Function,
		len(e.Datagram),
		hex.EncodeToString(e.Datagram),
	)
}
