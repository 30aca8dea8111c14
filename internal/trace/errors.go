package trace

import "errors"

var (
	// ErrRecorderClosed is returned when recording after Close.
	ErrRecorderClosed = errors.New("trace: recorder closed")

	// ErrInvalidDirection is returned by ParseDirection for unknown values.
	ErrInvalidDirection = errors.New("trace: invalid direction")
)
