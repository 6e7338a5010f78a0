package bft

import (
	"sync"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

// HeightManager owns every RoundManager for one height, lazily created
// as rounds are reached (spec.md §4.3). Grounded in the teacher's
// HeightManager, stripped of the precommit-lockset half.
type HeightManager struct {
	cm     *ConsensusManager
	height uint64

	mu     sync.RWMutex
	rounds map[uint64]*RoundManager
}

func newHeightManager(cm *ConsensusManager, height uint64) *HeightManager {
	return &HeightManager{
		cm:     cm,
		height: height,
		rounds: make(map[uint64]*RoundManager),
	}
}

// activeRound is the round currently being driven. Per spec.md §4.3 it
// is a derived quantity, not independent state: if last_valid_lockset
// exists it is that lock-set's round + 1 (that round has concluded),
// otherwise 0. This also means advancing a round is just a side effect
// of a lock-set becoming valid; no separate counter is mutated on
// timeout.
func (hm *HeightManager) activeRound() uint64 {
	if ls := hm.lastValidLockset(); ls != nil {
		return ls.Round() + 1
	}
	return 0
}

// existingRound returns the RoundManager for r if one has already been
// created, without creating it (used by the synchronizer to peek at
// the active round's proposal without side effects).
func (hm *HeightManager) existingRound(r uint64) (*RoundManager, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	rm, ok := hm.rounds[r]
	return rm, ok
}

// round lazily creates and returns the RoundManager for r (spec.md
// §4.3 "lazy round creation").
func (hm *HeightManager) round(r uint64) *RoundManager {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	rm, ok := hm.rounds[r]
	if !ok {
		rm = newRoundManager(hm, r)
		hm.rounds[r] = rm
	}
	return rm
}

// roundsSnapshot returns the rounds created so far, in round order, for
// use by the scan helpers below. The teacher indexes len(rounds) under
// the (false) assumption rounds are created in order 0..N with no
// gaps; we snapshot and sort explicitly instead, since round() is the
// only thing that creates entries and it is always called for
// monotonically non-decreasing r in practice, but a direct round index
// is safer than relying on that.
func (hm *HeightManager) roundsSnapshot() []*RoundManager {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]*RoundManager, 0, len(hm.rounds))
	for _, rm := range hm.rounds {
		out = append(out, rm)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].round < out[j-1].round; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// lastLock returns the highest-round vote this node has locked in at
// this height, or nil.
func (hm *HeightManager) lastLock() *types.Vote {
	rounds := hm.roundsSnapshot()
	for i := len(rounds) - 1; i >= 0; i-- {
		if rounds[i].voteLock != nil {
			return rounds[i].voteLock
		}
	}
	return nil
}

// lastValidLockset returns the highest-round lock-set that has reached
// the quorum-validity threshold (spec.md §4.3).
func (hm *HeightManager) lastValidLockset() *types.LockSet {
	rounds := hm.roundsSnapshot()
	for i := len(rounds) - 1; i >= 0; i-- {
		if rounds[i].lockset.IsValid() {
			return rounds[i].lockset
		}
	}
	return nil
}

// lastQuorumLockset returns the (at most one) lock-set at this height
// that reached quorum on a blockhash.
func (hm *HeightManager) lastQuorumLockset() *types.LockSet {
	var found *types.LockSet
	for _, rm := range hm.roundsSnapshot() {
		if rm.lockset.IsValid() {
			if _, ok := rm.lockset.HasQuorum(); ok {
				found = rm.lockset
			}
		}
	}
	return found
}

// hasQuorumBlockHash resolves spec.md's Open Question #1 ("what should
// HeightManager.HasQuorum do"): it reports whether ANY round at this
// height has reached quorum, and on which blockhash, rather than only
// inspecting the active round. A height commits exactly once, the
// first round whose lock-set reaches quorum, so scanning all rounds
// and stopping at the first hit is equivalent to — and cheaper than —
// tracking a separate "committed" flag.
func (hm *HeightManager) hasQuorumBlockHash() (types.Hash, bool) {
	for _, rm := range hm.roundsSnapshot() {
		if rm.lockset.IsValid() {
			if h, ok := rm.lockset.HasQuorum(); ok {
				return h, true
			}
		}
	}
	return types.Hash{}, false
}

// lastVotedBlockProposal returns the BlockProposal this node last cast
// a non-nil vote for. Nothing in this module calls it.
func (hm *HeightManager) lastVotedBlockProposal() *types.BlockProposal {
	rounds := hm.roundsSnapshot()
	for i := len(rounds) - 1; i >= 0; i-- {
		rm := rounds[i]
		if rm.voteLock == nil || !rm.voteLock.IsBlockVote() {
			continue
		}
		if bp, ok := rm.proposal.(*types.BlockProposal); ok && bp.BlockHash() == rm.voteLock.BlockHash {
			return bp
		}
	}
	return nil
}

func (hm *HeightManager) addVote(v *types.Vote, forceReplace bool) error {
	if !hm.cm.contract.IsValidator(v.Sender, hm.height) {
		return types.ErrInvalidVote
	}
	return hm.round(v.Round).addVote(v, forceReplace)
}

func (hm *HeightManager) addProposal(p types.Proposal) error {
	return hm.round(p.Round()).addProposal(p)
}

// process drives the currently active round.
func (hm *HeightManager) process() {
	hm.round(hm.activeRound()).process()
}
