// Package preflight checks that a knowledge base can be served and
// rebuilt before an operator relies on it.
//
// The package validates:
//   - Write permissions on the storage root (local, sqlite, badger)
//   - Disk space for staging a rebuilt index (minimum 100MB)
//   - File descriptor limits for parallel index builds
//   - Lease timing against rebuild duration
//   - Index health: missing, legacy or flagged objects
//
// Use the Checker type to run all validations:
//
//	checker := preflight.New()
//	results := checker.RunAll(ctx, cfg, svc)
//	if checker.HasCriticalFailures(results) {
//	    // Handle failures
//	}
package preflight
