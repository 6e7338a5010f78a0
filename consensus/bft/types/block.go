package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Block is the minimal representation of a block body the chain
// service hands the engine (as head_candidate) and hands back once
// linked (spec.md §3's BlockCandidate). The consensus core never
// inspects Data; block contents are entirely the chain service's
// concern (spec.md §1 Non-goals).
type Block struct {
	Number     uint64
	ParentHash Hash
	Timestamp  uint64
	Proposer   Address
	Data       []byte // opaque payload: transactions, state root, etc.

	hash *Hash
}

type rlpBlock struct {
	Number     uint64
	ParentHash Hash
	Timestamp  uint64
	Proposer   Address
	Data       []byte
}

// Hash returns the content hash of the block, computing and caching it
// on first use.
func (b *Block) Hash() Hash {
	if b.hash != nil {
		return *b.hash
	}
	enc, err := rlp.EncodeToBytes(rlpBlock{
		Number: b.Number, ParentHash: b.ParentHash, Timestamp: b.Timestamp,
		Proposer: b.Proposer, Data: b.Data,
	})
	if err != nil {
		panic(fmt.Sprintf("bft: block encoding must not fail: %v", err))
	}
	h := Hash(crypto.Keccak256Hash(enc))
	b.hash = &h
	return h
}

func (b *Block) String() string {
	h := b.Hash()
	return fmt.Sprintf("Block{#%d %x parent=%x}", b.Number, h[:4], b.ParentHash[:4])
}
