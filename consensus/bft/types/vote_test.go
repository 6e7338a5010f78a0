package types

import "testing"

// fakeSigner is a deterministic stand-in for internal/signer.ECDSASigner,
// letting the types package test signing round-trips without an import
// cycle on crypto.
type fakeSigner struct {
	addr Address
}

func (f fakeSigner) Address() Address { return f.addr }
func (f fakeSigner) Sign(payload []byte) ([]byte, error) {
	sig := make([]byte, 65)
	copy(sig, f.addr[:])
	return sig, nil
}

type fakeVerifier struct{}

func (fakeVerifier) Recover(payload, signature []byte) (Address, error) {
	var a Address
	copy(a[:], signature[:20])
	return a, nil
}

func TestVoteSignRoundTrip(t *testing.T) {
	var signer Address
	signer[19] = 7
	s := fakeSigner{addr: signer}

	v := VoteBlock(10, 1, Hash{0xaa})
	if err := v.Sign(s); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if v.Sender != signer {
		t.Fatalf("expected sender %x, got %x", signer, v.Sender)
	}

	recovered, err := v.From(fakeVerifier{})
	if err != nil {
		t.Fatalf("from: %v", err)
	}
	if recovered != signer {
		t.Fatalf("expected recovered sender %x, got %x", signer, recovered)
	}
}

func TestVoteEqual(t *testing.T) {
	a := VoteBlock(1, 0, Hash{1})
	b := VoteBlock(1, 0, Hash{1})
	a.Sender[0], b.Sender[0] = 9, 9
	if !a.Equal(b) {
		t.Fatal("votes with identical fields must compare equal")
	}
	c := VoteNil(1, 0)
	c.Sender = a.Sender
	if a.Equal(c) {
		t.Fatal("a block vote must not equal a nil vote from the same sender")
	}
}
