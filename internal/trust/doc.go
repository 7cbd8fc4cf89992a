// Package trust turns raw on-chain reputation summaries into normalized
// records, applies the signal filter that decides which registrations are
// worth announcing, and renders the announcement text. The filter is a pure
// function; the resolver is the only part that touches the chain.
package trust
