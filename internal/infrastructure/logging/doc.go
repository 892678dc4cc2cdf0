// Package logging provides structured logging for roasterd.
//
// It wraps the standard log/slog package so every component logs with the
// same handler, level and default fields (service, version).
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("serial link up", "port", cfg.Roaster.Serial.Port)
//	logger.Error("send failed", "error", err)
package logging
