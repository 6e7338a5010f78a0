package types

import (
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// LockSet is the collection of votes observed at one (height, round),
// parameterized by the validator count N used in quorum arithmetic
// (spec.md §3/§4.1). N is passed independently of the eligible address
// set because genesis bootstrapping needs a lock-set whose quorum math
// uses N=0 while still restricting voters to the real validator set
// (bft.ConsensusContract.NumEligibleVotes returns 0 at height 0).
type LockSet struct {
	height uint64
	round  uint64

	numEligible uint64
	eligible    map[Address]struct{} // nil => no membership restriction

	votes map[Address]*Vote
}

// NewLockSet creates an empty lock-set for (height, round). validators
// is the address set allowed to vote into it; pass nil to skip the
// membership check.
// numEligible is N in the quorum formulas, which may differ from
// len(validators) — it is 0 at the genesis height.
func NewLockSet(height, round uint64, validators []Address, numEligible uint64) *LockSet {
	var eligible map[Address]struct{}
	if validators != nil {
		eligible = make(map[Address]struct{}, len(validators))
		for _, a := range validators {
			eligible[a] = struct{}{}
		}
	}
	return &LockSet{
		height:      height,
		round:       round,
		numEligible: numEligible,
		eligible:    eligible,
		votes:       make(map[Address]*Vote),
	}
}

func (ls *LockSet) Height() uint64            { return ls.height }
func (ls *LockSet) Round() uint64             { return ls.round }
func (ls *LockSet) EligibleVotesNum() uint64  { return ls.numEligible }
func (ls *LockSet) Len() int                  { return len(ls.votes) }
func (ls *LockSet) Contains(a Address) bool   { _, ok := ls.votes[a]; return ok }
func (ls *LockSet) VoteOf(a Address) (*Vote, bool) { v, ok := ls.votes[a]; return v, ok }

// Votes returns the contained votes in a stable (sender-ordered) order,
// so that callers (logging, RLP encoding, equality) get deterministic
// output.
func (ls *LockSet) Votes() []*Vote {
	out := make([]*Vote, 0, len(ls.votes))
	for _, v := range ls.votes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Sender[:]) < string(out[j].Sender[:])
	})
	return out
}

// quorumThreshold computes ceil(2N/3).
func quorumThreshold(n uint64) uint64 {
	return (2*n + 2) / 3
}

// Add inserts v, enforcing spec.md §4.1:
//   - InvalidVote if (height, round) mismatch or sender ineligible.
//   - DoubleVoting if sender already voted differently here and
//     forceReplace is false.
//
// Re-adding an identical vote (or force-replacing, e.g. the engine's
// own vote during resync) always succeeds.
func (ls *LockSet) Add(v *Vote, forceReplace bool) error {
	if v.Height != ls.height || v.Round != ls.round {
		return fmt.Errorf("%w: vote (h=%d,r=%d) does not match lock-set (h=%d,r=%d)",
			ErrInvalidVote, v.Height, v.Round, ls.height, ls.round)
	}
	if ls.eligible != nil {
		if _, ok := ls.eligible[v.Sender]; !ok {
			return fmt.Errorf("%w: sender %x is not an eligible validator at height %d", ErrInvalidVote, v.Sender, ls.height)
		}
	}
	if existing, ok := ls.votes[v.Sender]; ok {
		if existing.Equal(v) {
			return nil
		}
		if !forceReplace {
			return fmt.Errorf("%w: sender %x already voted %s in (h=%d,r=%d), got %s",
				ErrDoubleVoting, v.Sender, existing, ls.height, ls.round, v)
		}
	}
	ls.votes[v.Sender] = v
	return nil
}

// IsValid reports the supermajority invariant: at least ceil(2N/3)
// votes present.
func (ls *LockSet) IsValid() bool {
	return uint64(len(ls.votes)) >= quorumThreshold(ls.numEligible)
}

// countsByHash tallies block-votes per blockhash (nil votes excluded).
func (ls *LockSet) countsByHash() map[Hash]uint64 {
	counts := make(map[Hash]uint64)
	for _, v := range ls.votes {
		if v.IsBlockVote() {
			counts[v.BlockHash]++
		}
	}
	return counts
}

// HasQuorum reports whether a single blockhash has reached the
// supermajority, and which hash that is.
func (ls *LockSet) HasQuorum() (Hash, bool) {
	threshold := quorumThreshold(ls.numEligible)
	for h, c := range ls.countsByHash() {
		if c >= threshold {
			return h, true
		}
	}
	return Hash{}, false
}

// HasNoQuorum reports whether the lock-set is valid, has no current
// quorum, and no single blockhash can ever reach quorum given the
// votes already cast (nil votes and scattered block votes dominate the
// remaining uncast votes).
func (ls *LockSet) HasNoQuorum() bool {
	if !ls.IsValid() {
		return false
	}
	if _, ok := ls.HasQuorum(); ok {
		return false
	}
	threshold := quorumThreshold(ls.numEligible)
	remaining := ls.numEligible - uint64(len(ls.votes))
	best := remaining // a hash nobody has voted for yet could still get all remaining votes
	for _, c := range ls.countsByHash() {
		if c+remaining > best {
			best = c + remaining
		}
	}
	return best < threshold
}

// HasQuorumPossible reports whether the lock-set is valid, has no
// quorum yet, but some blockhash could still reach quorum. Exactly one
// of {HasQuorum, HasNoQuorum, HasQuorumPossible} holds for a valid
// lock-set (spec.md §3, §8).
func (ls *LockSet) HasQuorumPossible() bool {
	if !ls.IsValid() {
		return false
	}
	if _, ok := ls.HasQuorum(); ok {
		return false
	}
	return !ls.HasNoQuorum()
}

// PossibleQuorumHash returns the blockhash with the most votes among
// those that could still reach quorum; used by VotingInstruction.BlockHash
// and by RoundManager.voteLocked to pick the block a VotingInstruction
// points at. Only meaningful when HasQuorumPossible.
func (ls *LockSet) PossibleQuorumHash() (Hash, bool) {
	var best Hash
	var bestCount uint64
	found := false
	for h, c := range ls.countsByHash() {
		if !found || c > bestCount {
			best, bestCount, found = h, c, true
		}
	}
	return best, found
}

// Copy returns an independent snapshot; mutating the copy never
// affects the original (spec.md §4.1).
func (ls *LockSet) Copy() *LockSet {
	cp := &LockSet{
		height:      ls.height,
		round:       ls.round,
		numEligible: ls.numEligible,
		votes:       make(map[Address]*Vote, len(ls.votes)),
	}
	if ls.eligible != nil {
		cp.eligible = make(map[Address]struct{}, len(ls.eligible))
		for a := range ls.eligible {
			cp.eligible[a] = struct{}{}
		}
	}
	for a, v := range ls.votes {
		cp.votes[a] = v
	}
	return cp
}

// Equal compares by (height, round, vote multiset) per spec.md §4.1.
func (ls *LockSet) Equal(o *LockSet) bool {
	if ls == nil || o == nil {
		return ls == o
	}
	if ls.height != o.height || ls.round != o.round || len(ls.votes) != len(o.votes) {
		return false
	}
	for a, v := range ls.votes {
		ov, ok := o.votes[a]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (ls *LockSet) String() string {
	return fmt.Sprintf("LockSet{h=%d r=%d n=%d/%d}", ls.height, ls.round, len(ls.votes), ls.numEligible)
}

// rlpLockSet is the wire/persistence form of a LockSet: its fields are
// all unexported to keep the quorum algebra from being mutated out from
// under the invariants above, so encoding goes through this mirror
// struct instead of reflection over LockSet itself (spec.md §4.1,
// §4.6 persistence).
type rlpLockSet struct {
	Height      uint64
	Round       uint64
	NumEligible uint64
	Eligible    []Address // nil eligible encodes as an empty, not absent, slice
	HasEligible bool
	Votes       []*Vote
}

// EncodeRLP implements rlp.Encoder.
func (ls *LockSet) EncodeRLP(w io.Writer) error {
	enc := rlpLockSet{
		Height:      ls.height,
		Round:       ls.round,
		NumEligible: ls.numEligible,
		HasEligible: ls.eligible != nil,
		Votes:       ls.Votes(),
	}
	if ls.eligible != nil {
		enc.Eligible = make([]Address, 0, len(ls.eligible))
		for a := range ls.eligible {
			enc.Eligible = append(enc.Eligible, a)
		}
		sort.Slice(enc.Eligible, func(i, j int) bool {
			return string(enc.Eligible[i][:]) < string(enc.Eligible[j][:])
		})
	}
	return rlp.Encode(w, enc)
}

// DecodeRLP implements rlp.Decoder.
func (ls *LockSet) DecodeRLP(s *rlp.Stream) error {
	var dec rlpLockSet
	if err := s.Decode(&dec); err != nil {
		return err
	}
	ls.height = dec.Height
	ls.round = dec.Round
	ls.numEligible = dec.NumEligible
	if dec.HasEligible {
		ls.eligible = make(map[Address]struct{}, len(dec.Eligible))
		for _, a := range dec.Eligible {
			ls.eligible[a] = struct{}{}
		}
	} else {
		ls.eligible = nil
	}
	ls.votes = make(map[Address]*Vote, len(dec.Votes))
	for _, v := range dec.Votes {
		ls.votes[v.Sender] = v
	}
	return nil
}
