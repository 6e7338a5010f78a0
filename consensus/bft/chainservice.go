package bft

import (
	"time"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

// AlarmToken identifies one outstanding SetupAlarm call. It is a
// monotonically increasing generation counter rather than a pointer or
// object identity: the teacher compares the HeightManager/RoundManager
// object the alarm fired for against the current one, which breaks once
// a round is rebuilt with new internal state for the same (height,
// round) pair (see SPEC_FULL.md §9 Design Note). ConsensusManager.OnAlarm
// accepts each registered token once, and only while the (height,
// round) it was registered for is still that height's active round;
// any other token is stale and ignored.
type AlarmToken uint64

// ChainService is everything the consensus engine needs from the rest
// of the node: the chain it is replicating over, and the network it
// broadcasts through (spec.md §6).
type ChainService interface {
	// Head returns the highest committed block.
	Head() *types.Block

	// HeadCandidate returns the block the local node would propose
	// next, built over Head(). Returns nil if none is ready yet.
	HeadCandidate() *types.Block

	// Coinbase is this node's own validator address.
	Coinbase() types.Address

	// LinkBlock asks the chain service to validate and adopt block as
	// a known (but not yet committed) block. Returns the adopted block,
	// or nil if it could not be linked (e.g. unknown parent).
	LinkBlock(block *types.Block) *types.Block

	// CommitBlock finalizes block as the new Head(), given the
	// quorum lock-set that certifies it.
	CommitBlock(block *types.Block, commitLS *types.LockSet) error

	// Broadcast gossips a signed consensus message (Vote, Proposal
	// variant, BlockRequest, Ready) to the rest of the network.
	Broadcast(msg interface{})

	// SetupAlarm arranges for the engine's Process to be invoked again
	// no sooner than d from now, tagged with token so a subsequently
	// superseded alarm can be told apart from the current one.
	SetupAlarm(d time.Duration, token AlarmToken)

	// Now returns the current time; abstracted so tests can control it.
	Now() time.Time

	// BlockByNumber returns a previously linked or committed block by
	// height, or nil if unknown locally.
	BlockByNumber(height uint64) *types.Block
}
