// Package registry defines the read-only chain access layer: the registration
// event and raw reputation data models, the Reader capability consumed by the
// watcher and the resolver, and the YAML chain definition loader used to
// select networks and contract addresses. Concrete EVM connectivity lives in
// the ethereum subpackage.
package registry
