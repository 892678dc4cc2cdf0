// Package api implements the HTTP REST API and WebSocket server for roasterd.
//
// This package provides:
//   - REST endpoints for device state, relay/valve commands and raw commands
//   - The command log of everything sent to the device
//   - Roast timer control and roast history
//   - WebSocket hub streaming field changes, roast samples and timer events
//   - Prometheus scrape endpoint and a JSON runtime summary
//   - Middleware for request IDs, access logging with panic recovery, CORS
//     and a body size cap
//
// # Architecture
//
// The server sits between a bench UI and the roaster bridge. Commands go
// straight to the bridge, which writes them to the serial link; the device
// confirms them with a later status line, and that confirmation reaches
// WebSocket clients as a field.changed event. Subscribing to field.changed
// first delivers the current value of every field.
//
// # Graceful Degradation
//
// The server runs while the serial link is down. Reads keep serving the
// last known state and commands fail with 503 until the link returns.
package api
