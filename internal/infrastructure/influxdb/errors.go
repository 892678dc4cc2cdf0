package influxdb

import "errors"

// Sentinel errors for InfluxDB operations. Use errors.Is to check.
var (
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	// Callers treat it as "run without telemetry".
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
