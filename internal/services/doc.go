// Package services defines shared utilities consumed by the detection pipeline
// and its external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp batch run IDs and user IDs for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     into per-user run outcomes (skipped vs failed).
//
// Use these helpers when wiring new pipeline logic so operational behaviour
// (error handling, observability, retries) stays uniform across components.
package services
