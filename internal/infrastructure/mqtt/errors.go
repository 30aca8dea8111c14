package mqtt

import "errors"

// Errors returned by the bridge's broker client. Compare with errors.Is.
var (
	// ErrNotConnected is returned by Publish and Subscribe while the broker
	// link is down. Callers publishing slot state drop the update; the next
	// change republishes it.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned by Connect when the first connection
	// attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed wraps a broker rejection, a publish timeout or an
	// oversized payload.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed wraps a broker rejection or timeout on the command
	// and request subscriptions, or a nil handler.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned for a QoS other than 0, 1 or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
