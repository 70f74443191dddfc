// Package api implements the lamp bridge's HTTP surface.
//
// This package provides:
//   - HTML configuration pages for adding, editing and removing lamps
//   - A JSON API for the lamp list, bridge health and mesh session
//   - A WebSocket hub pushing lamp state and registry changes
//   - Middleware stack (request ID, logging, recovery, body limit)
//   - Prometheus exposition when metrics are enabled
//
// # Form contract
//
// The configuration pages post application/x-www-form-urlencoded bodies.
// Every form endpoint answers 303 See Other back to the overview; a failed
// operation is logged and carried to the overview in the error query
// parameter. Only a body that cannot be parsed at all gets a 400.
//
// Each successful registry change triggers a bridge resync so MQTT
// subscriptions and Home Assistant discovery follow the registry.
package api
