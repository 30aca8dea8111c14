package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrSlotNotFound) {
//	    // handle not found case
//	}
var (
	// ErrSlotNotFound is returned when no typical is stored for a slot.
	ErrSlotNotFound = errors.New("device: slot not found")

	// ErrInvalidSlot is returned when a node or slot is outside 0-255.
	ErrInvalidSlot = errors.New("device: invalid slot address")

	// ErrGatewayRequired is returned when a gateway ID is empty.
	ErrGatewayRequired = errors.New("device: gateway id is required")
)
