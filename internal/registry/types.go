package registry

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// EventKey identifies a registration event by its position in the chain log.
// The string form is zero padded so lexicographic order equals log order,
// which lets queue payloads and ledger keys sort naturally.
type EventKey struct {
	BlockHeight uint64
	LogIndex    uint
}

// String renders the key in its canonical sortable form.
func (k EventKey) String() string {
	return fmt.Sprintf("%012d:%06d", k.BlockHeight, k.LogIndex)
}

// Less reports whether k precedes other in log order.
func (k EventKey) Less(other EventKey) bool {
	if k.BlockHeight != other.BlockHeight {
		return k.BlockHeight < other.BlockHeight
	}
	return k.LogIndex < other.LogIndex
}

// ParseEventKey reverses String.
func ParseEventKey(s string) (EventKey, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return EventKey{}, fmt.Errorf("malformed event key %q", s)
	}
	block, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return EventKey{}, fmt.Errorf("malformed event key %q: %w", s, err)
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return EventKey{}, fmt.Errorf("malformed event key %q: %w", s, err)
	}
	return EventKey{BlockHeight: block, LogIndex: uint(index)}, nil
}

// RegistrationEvent is an immutable fact observed from the identity registry.
type RegistrationEvent struct {
	AgentID  uint64   `json:"agent_id"`
	Owner    string   `json:"owner_address"`
	Key      EventKey `json:"-"`
	TxHash   string   `json:"tx_hash,omitempty"`
	ViaSkill bool     `json:"registered_via_skill"`
}

// RawDimension carries an unnormalized score straight from the contract.
// Value is kept as a big integer because fixed-point scores with 18 decimals
// exceed the int64 range long before they exceed the [0,100] score scale.
type RawDimension struct {
	Value    *big.Int
	Decimals uint8
}

// RawReputation is the unprocessed reputation summary for one agent.
type RawReputation struct {
	FeedbackCount uint64
	Dimensions    map[string]RawDimension
}

// Reader is the read-only chain capability consumed by the watcher and the
// resolver. Implementations must distinguish a missing reputation entry
// (errors.CodeNotRegistered) from transient RPC failures
// (errors.CodeChainFetchFailure) so callers can decide whether to retry.
type Reader interface {
	// LatestBlock returns the current chain head height.
	LatestBlock(ctx context.Context) (uint64, error)
	// RegistrationEvents returns mint events from the identity registry in
	// the inclusive block range, ordered by (block height, log index).
	RegistrationEvents(ctx context.Context, fromBlock, toBlock uint64) ([]RegistrationEvent, error)
	// Reputation fetches the raw per-dimension summary for an agent. The
	// dimension names double as reputation tags on the contract side.
	Reputation(ctx context.Context, agentID uint64, dimensions []string) (RawReputation, error)
	Close()
}
