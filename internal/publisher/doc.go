// Package publisher delivers announcements for accepted registration events.
// The Announcer wraps a Delivery transport with the per-agent exactly-once
// check against the ledger, an hourly rate limit and a dry-run mode. The
// announced flag is written only after delivery succeeds, so a crash between
// the two can produce a duplicate announcement but never a silent drop.
package publisher
