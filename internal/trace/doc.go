// Package trace records every Souliss datagram the bridge sends or receives
// to an append-only CBOR file, and reads it back for inspection.
//
// Each event carries the recorder's session ID, the gateway, the direction,
// the MaCaCo function code and the raw datagram. The file can be tailed by
// the soulissbridge trace command with gateway, direction and function
// filters.
package trace
