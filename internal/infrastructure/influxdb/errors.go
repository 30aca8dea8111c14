package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when the influxdb section is not
	// enabled. Callers treat it as "run without time series".
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed is returned by Connect when the server cannot be
	// pinged or reports itself unhealthy.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck before Connect or after
	// Close.
	ErrNotConnected = errors.New("influxdb: not connected")
)
