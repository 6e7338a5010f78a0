package bft

import (
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

// ConsensusContract is the pure function from (height, round) to
// proposer, plus validator membership tests, described in spec.md
// §4.4. It holds no mutable state beyond the (fixed) validator list —
// validator-set reconfiguration is an explicit Non-goal.
type ConsensusContract struct {
	validators []types.Address
	index      map[types.Address]int
}

// NewConsensusContract builds a contract over a fixed validator list.
// Order matters: it is part of the deterministic proposer schedule.
func NewConsensusContract(validators []types.Address) *ConsensusContract {
	idx := make(map[types.Address]int, len(validators))
	for i, a := range validators {
		idx[a] = i
	}
	cp := make([]types.Address, len(validators))
	copy(cp, validators)
	return &ConsensusContract{validators: cp, index: idx}
}

// Validators returns the fixed validator set (a defensive copy).
func (cc *ConsensusContract) Validators() []types.Address {
	cp := make([]types.Address, len(cc.validators))
	copy(cp, cc.validators)
	return cp
}

// Proposer is the deterministic selection rule: keccak256(height ‖
// round) mod N.
//
// REDESIGN (spec.md §9 Design Note / SPEC_FULL.md §9): the teacher
// selects via abs(height-round) mod N, which collides every pair with
// the same difference and is insensitive to which of height/round grew;
// the original Python hashes repr((height, round)) through the
// process-randomized builtin hash(), which is not reproducible across
// nodes at all. Hashing the concatenation of both fields with a fixed
// hash function is the minimal fix that stays a pure, deterministic
// function of the input, as spec.md §4.4 requires.
func (cc *ConsensusContract) Proposer(height, round uint64) types.Address {
	if len(cc.validators) == 0 {
		return types.Address{}
	}
	buf := make([]byte, 16)
	putUint64(buf[:8], height)
	putUint64(buf[8:], round)
	h := crypto.Keccak256(buf)
	n := new(bigEndianUint).fromBytes(h)
	return cc.validators[n.mod(uint64(len(cc.validators)))]
}

// IsValidator reports whether address is a member of the validator
// set. Height is accepted (per spec.md §4.4) for forward compatibility
// with validator-set reconfiguration, explicitly out of scope for now:
// the set is identical at every height.
func (cc *ConsensusContract) IsValidator(addr types.Address, height uint64) bool {
	_, ok := cc.index[addr]
	return ok
}

// NumEligibleVotes is N at height, or 0 at the genesis height (spec.md
// §4.4): a lock-set built for height 0 needs no real votes to be
// self-certifying, since genesis has no predecessor to vote on.
func (cc *ConsensusContract) NumEligibleVotes(height uint64) uint64 {
	if height == 0 {
		return 0
	}
	return uint64(len(cc.validators))
}

// IsProposer reports whether p's sender is the designated proposer for
// p's (height, round).
func (cc *ConsensusContract) IsProposer(p types.Proposal) bool {
	return p.Sender() == cc.Proposer(p.Height(), p.Round())
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

// bigEndianUint is a tiny helper turning the first 8 bytes of a hash
// into a uint64 for the modulo below, avoiding a big.Int import for
// something this small.
type bigEndianUint uint64

func (bigEndianUint) fromBytes(b []byte) *bigEndianUint {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	r := bigEndianUint(v)
	return &r
}

func (b *bigEndianUint) mod(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return uint64(*b) % n
}
