package souliss

import "errors"

// Domain errors for the Souliss bridge package.
var (
	// ErrNotConnected is returned when a datagram is sent while the
	// gateway socket is not bound.
	ErrNotConnected = errors.New("souliss: socket not bound")

	// ErrShortDatagram is returned when a received datagram is shorter
	// than the vNet routing prefix.
	ErrShortDatagram = errors.New("souliss: datagram shorter than vNet header")

	// ErrMalformedFrame is returned when a MaCaCo frame does not carry the
	// bytes its function code requires.
	ErrMalformedFrame = errors.New("souliss: malformed MaCaCo frame")

	// ErrFrameTooLarge is returned when a frame would not fit in a vNet
	// datagram.
	ErrFrameTooLarge = errors.New("souliss: frame too large")

	// ErrInvalidCommand is returned when a command cannot be translated for
	// the typical occupying a slot.
	ErrInvalidCommand = errors.New("souliss: invalid command")

	// ErrUnknownTypical is returned when no decode entry is registered for
	// a typical code.
	ErrUnknownTypical = errors.New("souliss: unknown typical")

	// ErrSlotNotFound is returned when no typical is registered at a
	// node/slot pair.
	ErrSlotNotFound = errors.New("souliss: slot not found")

	// ErrQueueFull is returned when the send queue has reached its bound.
	ErrQueueFull = errors.New("souliss: send queue full")

	// ErrUnknownQuery is returned for an unsupported query kind.
	ErrUnknownQuery = errors.New("souliss: unknown query kind")

	// ErrGatewayNotFound is returned when a gateway ID is not configured.
	ErrGatewayNotFound = errors.New("souliss: gateway not found")

	// ErrSendFailed is returned when a datagram could not be written.
	ErrSendFailed = errors.New("souliss: send failed")

	// ErrListenerClosed is returned when a bind races with Close.
	ErrListenerClosed = errors.New("souliss: listener closed")
)
