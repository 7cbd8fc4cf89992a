// Package ledger is the delivery ledger: the single source of truth for which
// registration events have been seen, processed, and announced. Every
// exactly-once guarantee in the pipeline reduces to a compare-and-swap on this
// package's Store. The watcher records events here before enqueueing them, the
// processor claims them before working, and the publisher wins or loses the
// per-agent announcement race here.
package ledger
