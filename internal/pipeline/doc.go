// Package pipeline connects the chain watcher to the announcement publisher.
// The watcher polls the identity registry, records fresh events in the ledger
// and enqueues their keys; the processor consumes keys, claims the ledger
// entry, resolves reputation, runs the signal filter and hands accepted events
// to the publisher. Queues carry only event keys, so any queue driver that
// moves short strings at-least-once is sufficient.
package pipeline
