// Package logging provides structured logging for the Souliss bridge.
//
// This package wraps Go's standard log/slog package so that every
// component (gateway links, MQTT, the HTTP API) logs the same way.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Per-gateway child loggers
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, or a file path
//
// # Usage
//
//	logger, closer, err := logging.New(cfg.Logging, version)
//	if err != nil {
//	    return err
//	}
//	defer closer.Close()
//	logger.Gateway("hall").Info("gateway online", "nodes", 4)
//
// Never log secrets, tokens or passwords.
package logging
