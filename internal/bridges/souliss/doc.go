// Package souliss implements the Souliss protocol bridge for Gray Logic.
//
// Souliss nodes are reached through a gateway that speaks vNet over UDP.
// Each datagram carries a MaCaCo frame: a function code, two put-in bytes,
// a start offset, a count and a payload. This package encodes and decodes
// those frames and keeps slot state in step with the gateway.
//
// # Architecture
//
//	┌─────────────────┐          ┌──────────────────┐   UDP/vNet
//	│   Gray Logic    │   MQTT   │  Souliss Bridge  │◄───────────► Gateway ─► Nodes
//	│      Core       │◄────────►│    (this pkg)    │
//	└─────────────────┘          └──────────────────┘
//
// # Components
//
//   - Listener: owns the UDP socket, reads with a deadline, rebinds with backoff
//   - Decoder: filters by gateway address and turns frames into Events
//   - Dispatcher: self-merging send queue; force frames stay queued until
//     the node reports the expected state, then are acknowledged
//   - SlotRegistry: typicals per (node, slot) and their decoded state
//   - Gateway: ties the above together with a ping/subscribe/health loop
//   - Bridge: MQTT commands in, retained state out
//
// # Slots and Typicals
//
// A node exposes a row of state bytes ("slots"). A typical (T11 switch,
// T22 shutter, T31 thermostat, T5n analog sensor, ...) occupies one or more
// consecutive slots. Analog values are IEEE-754 half precision floats,
// little-endian.
//
// Example:
//
//	f, err := souliss.BuildForceFrame(5, 2, souliss.T1nOnCmd)
//	if err != nil {
//	    return err
//	}
//	datagram, err := souliss.Wrap(f, souliss.RouteTo(gatewayIP, 0x71, 0x01))
//
// # Thread Safety
//
// All exported types are safe for concurrent use unless documented otherwise.
package souliss
