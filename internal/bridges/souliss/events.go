package souliss

import "net"

// Event is a decoded inbound frame. Events are values; the decoder keeps no
// reference to them once returned.
type Event interface {
	// Kind returns a short event name for logging and fan-out.
	Kind() string
}

// PingEvent is a gateway liveness reply.
type PingEvent struct{}

// DiscoveryEvent is a reply to the gateway discovery broadcast.
type DiscoveryEvent struct {
	IP        net.IP
	NodeOctet byte
}

// StateEvent carries the raw state bytes of every slot of a node, starting
// at slot zero. Subscribe and poll replies both decode to it.
type StateEvent struct {
	Function FunctionCode
	Node     int
	Raw      []byte
}

// TypicalDetectedEvent reports one typical found by a typical list reply.
type TypicalDetectedEvent struct {
	Node    int
	Slot    int
	Typical byte
}

// HealthEvent reports the health byte of one node (0 = unreachable,
// 0xFF = fully healthy).
type HealthEvent struct {
	Node   int
	Health byte
}

// TopologyEvent is the gateway's database structure reply.
type TopologyEvent struct {
	NodeCount         int
	MaxNodes          int
	MaxTypicalPerNode int
	MaxRequests       int
}

// TopicEvent is a broadcast action message.
type TopicEvent struct {
	// Number is the 16-bit topic formatted as four upper-case hex digits.
	Number string

	// Variant is the 8-bit variant as two upper-case hex digits.
	Variant string

	Value float64
}

// ErrorReplyEvent is a gateway error answer (unsupported function, data
// out of range, subscription refused).
type ErrorReplyEvent struct {
	Function FunctionCode
}

// UnknownEvent is any function code the decoder does not interpret.
type UnknownEvent struct {
	Function FunctionCode
}

func (PingEvent) Kind() string            { return "ping" }
func (DiscoveryEvent) Kind() string       { return "discovery" }
func (StateEvent) Kind() string           { return "state" }
func (TypicalDetectedEvent) Kind() string { return "typical" }
func (HealthEvent) Kind() string          { return "health" }
func (TopologyEvent) Kind() string        { return "topology" }
func (TopicEvent) Kind() string           { return "topic" }
func (ErrorReplyEvent) Kind() string      { return "error_reply" }
func (UnknownEvent) Kind() string         { return "unknown" }
