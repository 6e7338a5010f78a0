package bft

import (
	"testing"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

func testValidators(n int) []types.Address {
	out := make([]types.Address, n)
	for i := range out {
		out[i][19] = byte(i + 1)
	}
	return out
}

func TestProposerIsDeterministic(t *testing.T) {
	vs := testValidators(4)
	cc := NewConsensusContract(vs)

	p1 := cc.Proposer(10, 3)
	p2 := cc.Proposer(10, 3)
	if p1 != p2 {
		t.Fatal("proposer selection must be a pure function of (height, round)")
	}
}

func TestProposerVariesAcrossRounds(t *testing.T) {
	vs := testValidators(4)
	cc := NewConsensusContract(vs)

	seen := make(map[types.Address]bool)
	for r := uint64(0); r < 8; r++ {
		seen[cc.Proposer(1, r)] = true
	}
	if len(seen) < 2 {
		t.Fatal("expected proposer selection to vary across rounds at a fixed height")
	}
}

func TestNumEligibleVotesZeroAtGenesis(t *testing.T) {
	cc := NewConsensusContract(testValidators(4))
	if n := cc.NumEligibleVotes(0); n != 0 {
		t.Fatalf("expected 0 eligible votes at genesis, got %d", n)
	}
	if n := cc.NumEligibleVotes(1); n != 4 {
		t.Fatalf("expected 4 eligible votes at height 1, got %d", n)
	}
}

func TestIsValidatorMembership(t *testing.T) {
	vs := testValidators(4)
	cc := NewConsensusContract(vs)
	if !cc.IsValidator(vs[2], 1) {
		t.Fatal("expected vs[2] to be a validator")
	}
	var stranger types.Address
	stranger[19] = 0xff
	if cc.IsValidator(stranger, 1) {
		t.Fatal("expected stranger to not be a validator")
	}
}

func TestIsProposer(t *testing.T) {
	vs := testValidators(4)
	cc := NewConsensusContract(vs)
	proposer := cc.Proposer(3, 0)

	bp := &types.BlockProposal{HeightV: 3, RoundV: 0, SenderV: proposer}
	if !cc.IsProposer(bp) {
		t.Fatal("expected designated proposer to satisfy IsProposer")
	}

	var other types.Address
	for _, v := range vs {
		if v != proposer {
			other = v
			break
		}
	}
	bp2 := &types.BlockProposal{HeightV: 3, RoundV: 0, SenderV: other}
	if cc.IsProposer(bp2) {
		t.Fatal("expected non-designated sender to fail IsProposer")
	}
}
