package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Proposal is the polymorphic type from spec.md §3: either a
// BlockProposal or a VotingInstruction. Modeled as an interface with
// two concrete variants per the Design Note in spec.md §9, rather than
// a single struct with optional fields.
type Proposal interface {
	Signed
	Height() uint64
	Round() uint64
	Sender() Address
	LockSet() *LockSet
	BlockHash() Hash
}

// BlockProposal carries a candidate block, certified by the signing
// lock-set of the previous height, and — for round > 0 — the
// no-quorum lock-set of the previous round that justifies proposing
// again (spec.md §3).
type BlockProposal struct {
	HeightV  uint64
	RoundV   uint64
	SenderV  Address
	Block    *Block
	Signing  *LockSet // quorum on height-1
	RoundLS  *LockSet // has_noquorum at (height, round-1); nil iff RoundV == 0

	Signature []byte
}

func (p *BlockProposal) Height() uint64  { return p.HeightV }
func (p *BlockProposal) Round() uint64   { return p.RoundV }
func (p *BlockProposal) Sender() Address { return p.SenderV }

// LockSet returns the lock-set the generic admission rules (spec.md
// §4.5 rules 2-5) check: the round lockset justifying re-proposing at
// round > 0 (same height, has_noquorum at round-1), or the signing
// lockset at round 0 (there is no round-1 to justify). The signing
// lockset is additionally, separately required to show quorum on the
// parent by addBlockProposal regardless of round.
func (p *BlockProposal) LockSet() *LockSet {
	if p.RoundLS != nil {
		return p.RoundLS
	}
	return p.Signing
}

func (p *BlockProposal) BlockHash() Hash { return p.Block.Hash() }

type rlpBlockProposalHeader struct {
	Height uint64
	Round  uint64
	Block  Hash
}

func (p *BlockProposal) SigningPayload() []byte {
	enc, err := rlp.EncodeToBytes(rlpBlockProposalHeader{Height: p.HeightV, Round: p.RoundV, Block: p.Block.Hash()})
	if err != nil {
		panic(fmt.Sprintf("bft: proposal encoding must not fail: %v", err))
	}
	return enc
}

func (p *BlockProposal) Sign(s Signer) error {
	sig, err := s.Sign(p.SigningPayload())
	if err != nil {
		return err
	}
	p.Signature = sig
	p.SenderV = s.Address()
	return nil
}

func (p *BlockProposal) From(v Verifier) (Address, error) {
	return v.Recover(p.SigningPayload(), p.Signature)
}

func (p *BlockProposal) String() string {
	return fmt.Sprintf("BlockProposal{h=%d r=%d %s}", p.HeightV, p.RoundV, p.Block)
}

// VotingInstruction directs validators to re-lock on the block that a
// prior round's has_quorum_possible lock-set still favors (spec.md
// §3).
type VotingInstruction struct {
	HeightV uint64
	RoundV  uint64
	SenderV Address
	LS      *LockSet

	Signature []byte
}

func (vi *VotingInstruction) Height() uint64    { return vi.HeightV }
func (vi *VotingInstruction) Round() uint64     { return vi.RoundV }
func (vi *VotingInstruction) Sender() Address   { return vi.SenderV }
func (vi *VotingInstruction) LockSet() *LockSet { return vi.LS }

func (vi *VotingInstruction) BlockHash() Hash {
	h, _ := vi.LS.PossibleQuorumHash()
	return h
}

type rlpVotingInstructionHeader struct {
	Height    uint64
	Round     uint64
	LSHeight  uint64
	LSRound   uint64
}

func (vi *VotingInstruction) SigningPayload() []byte {
	enc, err := rlp.EncodeToBytes(rlpVotingInstructionHeader{
		Height: vi.HeightV, Round: vi.RoundV, LSHeight: vi.LS.Height(), LSRound: vi.LS.Round(),
	})
	if err != nil {
		panic(fmt.Sprintf("bft: voting instruction encoding must not fail: %v", err))
	}
	return enc
}

func (vi *VotingInstruction) Sign(s Signer) error {
	sig, err := s.Sign(vi.SigningPayload())
	if err != nil {
		return err
	}
	vi.Signature = sig
	vi.SenderV = s.Address()
	return nil
}

func (vi *VotingInstruction) From(v Verifier) (Address, error) {
	return v.Recover(vi.SigningPayload(), vi.Signature)
}

func (vi *VotingInstruction) String() string {
	bh := vi.BlockHash()
	return fmt.Sprintf("VotingInstruction{h=%d r=%d -> %x}", vi.HeightV, vi.RoundV, bh[:4])
}

// BlockRequest asks peers for a proposal whose block is referenced but
// not yet known locally (spec.md §4.6).
type BlockRequest struct {
	BlockHash Hash
	SenderV   Address
	Signature []byte
}

func (r *BlockRequest) SigningPayload() []byte {
	enc, err := rlp.EncodeToBytes(r.BlockHash)
	if err != nil {
		panic(fmt.Sprintf("bft: block request encoding must not fail: %v", err))
	}
	return enc
}

func (r *BlockRequest) Sign(s Signer) error {
	sig, err := s.Sign(r.SigningPayload())
	if err != nil {
		return err
	}
	r.Signature = sig
	r.SenderV = s.Address()
	return nil
}

func (r *BlockRequest) From(v Verifier) (Address, error) {
	return v.Recover(r.SigningPayload(), r.Signature)
}
