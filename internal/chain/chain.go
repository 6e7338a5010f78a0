// Package chain provides a minimal in-memory ChainService: enough
// block linking and head tracking to drive the consensus engine in
// the reference node binary, without depending on a full
// EVM/state implementation (explicitly out of scope per spec.md §1
// Non-goals).
package chain

import (
	"fmt"
	"sync"
	"time"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft"
	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

// Chain is a linear, in-memory block store keyed by number, playing
// the chain-service role from spec.md §6: head tracking, parent
// linking, and head-candidate construction.
type Chain struct {
	coinbase types.Address

	mu        sync.Mutex
	byNumber  map[uint64]*types.Block
	byHash    map[types.Hash]*types.Block
	head      *types.Block
	candidate *types.Block
	broadcast func(msg interface{})
}

// New creates a chain rooted at genesis, owned by coinbase.
func New(genesis *types.Block, coinbase types.Address, broadcast func(msg interface{})) *Chain {
	c := &Chain{
		coinbase:  coinbase,
		byNumber:  map[uint64]*types.Block{genesis.Number: genesis},
		byHash:    map[types.Hash]*types.Block{genesis.Hash(): genesis},
		head:      genesis,
		broadcast: broadcast,
	}
	return c
}

func (c *Chain) Head() *types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

func (c *Chain) Coinbase() types.Address { return c.coinbase }

// HeadCandidate returns (and lazily builds) the block body this node
// would propose next over the current head. SetCandidateData lets a
// caller (e.g. a mempool) supply real payload bytes; absent that, an
// empty-block candidate is still produced so the engine always has
// something to propose with (spec.md's allow-empty-blocks behavior).
func (c *Chain) HeadCandidate() *types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headCandidateLocked()
}

// headCandidateLocked is HeadCandidate's body, for callers that already
// hold c.mu (sync.Mutex is not reentrant, so HeadCandidate itself must
// never be called while c.mu is held).
func (c *Chain) headCandidateLocked() *types.Block {
	if c.candidate != nil && c.candidate.ParentHash == c.head.Hash() {
		return c.candidate
	}
	c.candidate = &types.Block{
		Number:     c.head.Number + 1,
		ParentHash: c.head.Hash(),
		Timestamp:  uint64(time.Now().Unix()),
		Proposer:   c.coinbase,
	}
	return c.candidate
}

// SetCandidateData replaces the pending candidate's payload, e.g. once
// a batch of transactions is ready.
func (c *Chain) SetCandidateData(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cand := c.headCandidateLocked()
	c.candidate = &types.Block{
		Number:     cand.Number,
		ParentHash: cand.ParentHash,
		Timestamp:  cand.Timestamp,
		Proposer:   cand.Proposer,
		Data:       data,
	}
}

// LinkBlock validates block's parent is known and adopts it, returning
// the canonical (deduplicated) instance.
func (c *Chain) LinkBlock(block *types.Block) *types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byHash[block.Hash()]; ok {
		return existing
	}
	if _, ok := c.byHash[block.ParentHash]; !ok && block.Number != 0 {
		return nil
	}
	c.byHash[block.Hash()] = block
	c.byNumber[block.Number] = block
	return block
}

// CommitBlock finalizes block as the new head, given the lock-set that
// certified it.
func (c *Chain) CommitBlock(block *types.Block, commitLS *types.LockSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if block.ParentHash != c.head.Hash() {
		return fmt.Errorf("chain: commit block %s does not extend head %s", block, c.head)
	}
	if commitLS == nil {
		return fmt.Errorf("chain: commit block %s without a certifying lockset", block)
	}
	if _, ok := commitLS.HasQuorum(); !ok {
		return fmt.Errorf("chain: commit lockset for block %s has no quorum", block)
	}
	c.head = block
	c.byHash[block.Hash()] = block
	c.byNumber[block.Number] = block
	c.candidate = nil
	return nil
}

func (c *Chain) Broadcast(msg interface{}) {
	if c.broadcast != nil {
		c.broadcast(msg)
	}
}

// SetupAlarm is a no-op stub satisfying bft.ChainService: it never
// calls back into the engine. The reference node binary (cmd/hdcnode)
// instead calls Process on a fixed ticker, and an expired round
// timeout is acted on at the next tick.
func (c *Chain) SetupAlarm(d time.Duration, token bft.AlarmToken) {}

func (c *Chain) Now() time.Time { return time.Now() }

func (c *Chain) BlockByNumber(height uint64) *types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byNumber[height]
}
