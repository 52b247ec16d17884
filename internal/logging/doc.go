// Package logging provides structured logging for qlink.
//
// This package wraps a package-level zap logger with convenience functions
// for the patterns used by the link: connection events, state machine
// transitions and packet dumps.
//
// # Log Levels
//
//   - Debug: packet dumps, codec decisions, registration dialogue
//   - Info: connections, registrations, state changes
//   - Warn: discarded blocks, continuity rejected, retries
//   - Error: framing failures, media errors
//
// # Structured Logging
//
// All log functions take structured fields:
//
//	logging.Info("Registered",
//	    zap.String("station", "ABC12"),
//	    zap.String("serial", "1122334455667788"),
//	)
//
// # Configuration
//
// Logging is silent until initialized. Commands call InitializeFromEnv,
// which reads QLINK_LOG_LEVEL, or Initialize with an explicit level:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// Output goes to stderr in console format so that commands writing data to
// stdout are not disturbed.
package logging
