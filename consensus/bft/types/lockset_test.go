package types

import (
	"errors"
	"testing"
)

func addrs(n int) []Address {
	out := make([]Address, n)
	for i := range out {
		out[i][19] = byte(i + 1)
	}
	return out
}

func TestLockSetQuorum(t *testing.T) {
	vs := addrs(4)
	ls := NewLockSet(1, 0, vs, 4)

	var blockhash Hash
	blockhash[0] = 0xaa

	for _, a := range vs[:3] {
		v := VoteBlock(1, 0, blockhash)
		v.Sender = a
		if err := ls.Add(v, false); err != nil {
			t.Fatalf("add vote from %x: %v", a, err)
		}
	}

	if !ls.IsValid() {
		t.Fatal("expected lockset to be valid with 3/4 votes")
	}
	h, ok := ls.HasQuorum()
	if !ok || h != blockhash {
		t.Fatalf("expected quorum on %x, got %x ok=%v", blockhash, h, ok)
	}
	if ls.HasNoQuorum() || ls.HasQuorumPossible() {
		t.Fatal("exactly one of the three predicates must hold")
	}
}

func TestLockSetNoQuorumOnScatteredNilVotes(t *testing.T) {
	vs := addrs(4)
	ls := NewLockSet(5, 2, vs, 4)
	for _, a := range vs {
		v := VoteNil(5, 2)
		v.Sender = a
		if err := ls.Add(v, false); err != nil {
			t.Fatalf("add nil vote: %v", err)
		}
	}
	if !ls.IsValid() {
		t.Fatal("expected valid with 4/4 votes")
	}
	if !ls.HasNoQuorum() {
		t.Fatal("all-nil lockset must be has_noquorum")
	}
	if ls.HasQuorumPossible() {
		t.Fatal("all-nil lockset cannot be quorum-possible")
	}
}

func TestLockSetQuorumPossible(t *testing.T) {
	vs := addrs(4)
	ls := NewLockSet(1, 0, vs, 4)

	var b1, b2 Hash
	b1[0], b2[0] = 1, 2

	scenario := []struct {
		addr  Address
		kind  VoteKind
		block Hash
	}{
		{vs[0], VoteKindBlock, b1},
		{vs[1], VoteKindBlock, b1},
		{vs[2], VoteKindBlock, b2},
	}
	for _, s := range scenario {
		var v *Vote
		if s.kind == VoteKindBlock {
			v = VoteBlock(1, 0, s.block)
		} else {
			v = VoteNil(1, 0)
		}
		v.Sender = s.addr
		if err := ls.Add(v, false); err != nil {
			t.Fatalf("add vote: %v", err)
		}
	}

	if !ls.IsValid() {
		t.Fatal("3 votes out of 4 eligible reaches the ceil(2*4/3)=3 threshold")
	}
	if _, ok := ls.HasQuorum(); ok {
		t.Fatal("2-1 split must not reach quorum")
	}
	if !ls.HasQuorumPossible() {
		t.Fatal("remaining vote could still tip b1 to quorum")
	}
	h, ok := ls.PossibleQuorumHash()
	if !ok || h != b1 {
		t.Fatalf("expected possible quorum hash %x, got %x (ok=%v)", b1, h, ok)
	}
}

func TestLockSetDoubleVoting(t *testing.T) {
	vs := addrs(4)
	ls := NewLockSet(5, 2, vs, 4)

	var b1, b2 Hash
	b1[0], b2[0] = 1, 2

	v1 := VoteBlock(5, 2, b1)
	v1.Sender = vs[0]
	if err := ls.Add(v1, false); err != nil {
		t.Fatalf("first vote: %v", err)
	}

	v2 := VoteBlock(5, 2, b2)
	v2.Sender = vs[0]
	err := ls.Add(v2, false)
	if !errors.Is(err, ErrDoubleVoting) {
		t.Fatalf("expected ErrDoubleVoting, got %v", err)
	}
}

func TestLockSetIdempotentAdd(t *testing.T) {
	vs := addrs(4)
	ls := NewLockSet(5, 2, vs, 4)
	var b1 Hash
	b1[0] = 1

	v := VoteBlock(5, 2, b1)
	v.Sender = vs[0]
	if err := ls.Add(v, false); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := ls.Add(v, false); err != nil {
		t.Fatalf("re-adding identical vote must succeed: %v", err)
	}
	if ls.Len() != 1 {
		t.Fatalf("expected len 1 after duplicate add, got %d", ls.Len())
	}
}

func TestLockSetWrongRoundIsInvalidVote(t *testing.T) {
	ls := NewLockSet(5, 2, addrs(4), 4)
	v := VoteBlock(5, 3, Hash{})
	err := ls.Add(v, false)
	if !errors.Is(err, ErrInvalidVote) {
		t.Fatalf("expected ErrInvalidVote, got %v", err)
	}
}

func TestLockSetIneligibleSenderIsInvalidVote(t *testing.T) {
	vs := addrs(4)
	ls := NewLockSet(5, 0, vs, 4)
	var stranger Address
	stranger[19] = 0xff
	v := VoteBlock(5, 0, Hash{})
	v.Sender = stranger
	if err := ls.Add(v, false); !errors.Is(err, ErrInvalidVote) {
		t.Fatalf("expected ErrInvalidVote for non-member sender, got %v", err)
	}
}

func TestLockSetCopyIsIndependent(t *testing.T) {
	vs := addrs(4)
	ls := NewLockSet(1, 0, vs, 4)
	v := VoteBlock(1, 0, Hash{})
	v.Sender = vs[0]
	ls.Add(v, false)

	cp := ls.Copy()
	v2 := VoteBlock(1, 0, Hash{})
	v2.Sender = vs[1]
	cp.Add(v2, false)

	if ls.Len() == cp.Len() {
		t.Fatal("mutating the copy must not affect the original")
	}
}
