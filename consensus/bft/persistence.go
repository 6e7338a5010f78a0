package bft

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

// Database is the key/value persistence boundary the engine uses to
// store proposals and commit locksets (spec.md §6). The teacher stores
// the whole manager state keyed by "block_proposal:<hash>" and
// "last_committing_lockset" directly against a go-ethereum
// ethdb.Database; rather than take on that entire (much larger)
// interface for two methods, this engine depends on the narrow slice
// it actually calls — internal/storage's goleveldb-backed
// implementation satisfies it. Get returning a nil error with no
// matching key is not assumed; callers treat any error as "absent".
type Database interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
}

var (
	keyLastCommittedLockset = []byte("bft:last-committed-lockset")
	keyLastCommittedHeight  = []byte("bft:last-committed-height")
)

func keyBlockProposal(h types.Hash) []byte {
	return append([]byte("bft:proposal:"), h[:]...)
}

// storeBlockProposal persists a proposal so it survives a restart and
// can be replayed to late-joining peers (spec.md §4.6).
func storeBlockProposal(db Database, p *types.BlockProposal) error {
	enc, err := rlp.EncodeToBytes(p)
	if err != nil {
		return fmt.Errorf("bft: encode block proposal: %w", err)
	}
	return db.Put(keyBlockProposal(p.Block.Hash()), enc)
}

// loadBlockProposal looks up a previously stored proposal by its
// block's hash. Returns (nil, false) on a clean miss.
func loadBlockProposal(db Database, h types.Hash) (*types.BlockProposal, bool) {
	enc, err := db.Get(keyBlockProposal(h))
	if err != nil {
		return nil, false
	}
	var p types.BlockProposal
	if err := rlp.DecodeBytes(enc, &p); err != nil {
		log.Error("bft: corrupt stored block proposal", "hash", h, "err", err)
		return nil, false
	}
	return &p, true
}

// storeLastCommit records the lock-set that certified the most recent
// commit, so CommitBlock can be re-verified or logged on restart.
func storeLastCommit(db Database, height uint64, ls *types.LockSet) error {
	enc, err := rlp.EncodeToBytes(ls)
	if err != nil {
		return fmt.Errorf("bft: encode commit lockset: %w", err)
	}
	if err := db.Put(keyLastCommittedLockset, enc); err != nil {
		return err
	}
	hb, err := rlp.EncodeToBytes(height)
	if err != nil {
		return err
	}
	return db.Put(keyLastCommittedHeight, hb)
}
