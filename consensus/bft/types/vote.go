package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// VoteKind distinguishes the two vote variants from spec.md §3: an
// endorsement of a specific block, or an abstention on timeout.
type VoteKind uint8

const (
	VoteKindBlock VoteKind = iota
	VoteKindNil
)

func (k VoteKind) String() string {
	if k == VoteKindNil {
		return "nil"
	}
	return "block"
}

// Vote is the signed record a validator casts at a (height, round).
// VoteBlock(blockhash) and VoteNil from spec.md §3 are both
// represented here, distinguished by Kind; BlockHash is the zero hash
// for a VoteNil.
type Vote struct {
	Sender    Address
	Height    uint64
	Round     uint64
	Kind      VoteKind
	BlockHash Hash
	Signature []byte
}

// VoteBlock constructs an (unsigned) endorsement of blockHash.
func VoteBlock(height, round uint64, blockHash Hash) *Vote {
	return &Vote{Height: height, Round: round, Kind: VoteKindBlock, BlockHash: blockHash}
}

// VoteNil constructs an (unsigned) abstention.
func VoteNil(height, round uint64) *Vote {
	return &Vote{Height: height, Round: round, Kind: VoteKindNil}
}

func (v *Vote) IsBlockVote() bool { return v.Kind == VoteKindBlock }

// rlpVote mirrors Vote but omits the Sender (recovered from the
// signature) and the Signature itself, so it serves as the signing
// payload. The wire and storage encoding is the Vote struct itself,
// Sender and Signature included.
type rlpVote struct {
	Height    uint64
	Round     uint64
	Kind      uint8
	BlockHash Hash
}

// SigningPayload returns the RLP encoding of the fields a signature
// covers. Grounded in the teacher's use of RLP for every signed HDC
// message (bft_manager.go's cm.Sign dispatches into per-type Sign
// methods that RLP-encode before hashing/signing).
func (v *Vote) SigningPayload() []byte {
	b, err := rlp.EncodeToBytes(rlpVote{Height: v.Height, Round: v.Round, Kind: uint8(v.Kind), BlockHash: v.BlockHash})
	if err != nil {
		panic(fmt.Sprintf("bft: vote encoding must not fail: %v", err))
	}
	return b
}

func (v *Vote) Sign(s Signer) error {
	sig, err := s.Sign(v.SigningPayload())
	if err != nil {
		return err
	}
	v.Signature = sig
	v.Sender = s.Address()
	return nil
}

func (v *Vote) From(ver Verifier) (Address, error) {
	return ver.Recover(v.SigningPayload(), v.Signature)
}

// Equal reports whether two votes carry the same decision. Used by
// LockSet.Add to make re-insertion of the identical vote idempotent
// rather than a double-voting error.
func (v *Vote) Equal(o *Vote) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.Sender == o.Sender && v.Height == o.Height && v.Round == o.Round &&
		v.Kind == o.Kind && v.BlockHash == o.BlockHash
}

func (v *Vote) String() string {
	if v.Kind == VoteKindNil {
		return fmt.Sprintf("Vote{%x h=%d r=%d nil}", v.Sender[:4], v.Height, v.Round)
	}
	return fmt.Sprintf("Vote{%x h=%d r=%d block=%x}", v.Sender[:4], v.Height, v.Round, v.BlockHash[:4])
}
