// Package api exposes the read-only REST surface of the daemon: on-demand
// reputation lookups, filter verification for a single agent, delivery ledger
// inspection and Prometheus metrics. The pipeline itself never depends on
// this package.
package api
