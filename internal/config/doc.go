// Package config loads and validates the daemon configuration: API server
// address, ledger storage backend, event queue driver, registry polling
// parameters, signal-filter thresholds, and announcement delivery settings.
// Configuration errors are fatal at startup; nothing in the pipeline reads
// configuration dynamically.
package config
