package bft

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

// Synchronizer detects block proposals referenced by a candidate's
// parent hash or by a voting instruction's lock-set that the local
// node has never seen, and requests them from peers (spec.md §4.6).
// Resolves spec.md §9's second Open Question: wired into
// ConsensusManager.Process behind EngineConfig.SyncEnabled rather than
// left disabled or unconditionally on.
type Synchronizer struct {
	cm *ConsensusManager

	mu          sync.Mutex
	outstanding map[types.Hash]struct{}
}

func newSynchronizer(cm *ConsensusManager) *Synchronizer {
	return &Synchronizer{cm: cm, outstanding: make(map[types.Hash]struct{})}
}

// run computes the current set of missing parent hashes and requests
// each newly discovered one exactly once.
func (s *Synchronizer) run() {
	missing := s.missingHashes()
	s.mu.Lock()
	defer s.mu.Unlock()

	// Prune outstanding requests whose proposal has since arrived.
	for h := range s.outstanding {
		if _, stillMissing := missing[h]; !stillMissing {
			delete(s.outstanding, h)
		}
	}
	for h := range missing {
		if _, already := s.outstanding[h]; already {
			continue
		}
		s.outstanding[h] = struct{}{}
		req := &types.BlockRequest{BlockHash: h}
		if err := req.Sign(s.cm.signer); err != nil {
			log.Error("bft: sign block request", "err", err)
			continue
		}
		s.cm.chain.Broadcast(req)
	}
}

// missingHashes collects hashes referenced but not locally resolvable:
// every block candidate whose parent is not itself a known proposal,
// plus the active round's voting instruction target if unknown.
func (s *Synchronizer) missingHashes() map[types.Hash]struct{} {
	missing := make(map[types.Hash]struct{})

	s.cm.mu.Lock()
	candidates := make([]*types.BlockProposal, 0, len(s.cm.blockCandidates))
	for _, bp := range s.cm.blockCandidates {
		candidates = append(candidates, bp)
	}
	s.cm.mu.Unlock()

	for _, bp := range candidates {
		parent := bp.Block.ParentHash
		if parent == s.cm.chain.Head().Hash() {
			continue
		}
		if s.cm.chain.BlockByNumber(bp.HeightV-1) != nil {
			continue
		}
		if _, known := loadBlockProposal(s.cm.db, parent); known {
			continue
		}
		missing[parent] = struct{}{}
	}

	h := s.cm.height()
	hm := s.cm.getHeightManager(h)
	if rm, ok := hm.existingRound(hm.activeRound()); ok {
		if vi, isVI := rm.proposal.(*types.VotingInstruction); isVI {
			target := vi.BlockHash()
			if _, known := loadBlockProposal(s.cm.db, target); !known {
				s.cm.mu.Lock()
				_, isCandidate := s.cm.blockCandidates[target]
				s.cm.mu.Unlock()
				if !isCandidate {
					missing[target] = struct{}{}
				}
			}
		}
	}
	return missing
}
