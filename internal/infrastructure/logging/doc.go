// Package logging provides structured logging for the lamp bridge.
//
// It wraps log/slog so every component logs with the same handler and
// carries the service and version fields:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("lamp added", "name", rec.Name, "address", rec.Address)
//
// Components that only need leveled key/value logging accept a small
// Logger interface instead of this concrete type; *Logger satisfies it.
//
// Never log the MQTT password or InfluxDB token.
package logging
